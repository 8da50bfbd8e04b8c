/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package authhdr_test

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/couchbase/stellar-router/utils/authhdr"
	"github.com/stretchr/testify/require"
)

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestDecodeMatchesNetHTTP(t *testing.T) {
	hdr := basicHeader("router", "pa:ss")

	r := http.Request{Header: http.Header{"Authorization": {hdr}}}
	httpUser, httpPass, ok := r.BasicAuth()
	require.True(t, ok)

	user, pass, ok := authhdr.DecodeBasicAuth(hdr)
	require.True(t, ok)
	require.Equal(t, httpUser, user)
	require.Equal(t, httpPass, pass)
	require.Equal(t, "pa:ss", pass)
}

func TestDecodeCaseInsensitiveScheme(t *testing.T) {
	user, pass, ok := authhdr.DecodeBasicAuth("bASIC " + base64.StdEncoding.EncodeToString([]byte("a:b")))
	require.True(t, ok)
	require.Equal(t, "a", user)
	require.Equal(t, "b", pass)
}

func TestDecodeMalformed(t *testing.T) {
	for _, hdr := range []string{
		"",
		"Basic",
		"Bearer abc",
		"Basic !!!",
		"Basic " + base64.StdEncoding.EncodeToString([]byte("nocolon")),
	} {
		t.Run(hdr, func(t *testing.T) {
			_, _, ok := authhdr.DecodeBasicAuth(hdr)
			require.False(t, ok)
		})
	}
}

func TestCheckBasicAuth(t *testing.T) {
	hdr := basicHeader("router", "secret")

	require.True(t, authhdr.CheckBasicAuth(hdr, "router", "secret"))
	require.False(t, authhdr.CheckBasicAuth(hdr, "router", "Secret"))
	require.False(t, authhdr.CheckBasicAuth(hdr, "route", "secret"))
	require.False(t, authhdr.CheckBasicAuth("", "router", "secret"))
}

func BenchmarkCheckBasicAuth(b *testing.B) {
	hdr := basicHeader("router", "secret")
	for i := 0; i < b.N; i++ {
		if !authhdr.CheckBasicAuth(hdr, "router", "secret") {
			b.Fatalf("credentials did not match")
		}
	}
}
