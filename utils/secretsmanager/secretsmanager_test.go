/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package secretsmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCredentials(t *testing.T) {
	creds, err := ParseCredentials("root:pa:ss\n")
	require.NoError(t, err)
	require.Equal(t, Credentials{Username: "root", Password: "pa:ss"}, creds)

	_, err = ParseCredentials("nocolon")
	require.Error(t, err)
	_, err = ParseCredentials(":password")
	require.Error(t, err)
}

func TestParseSource(t *testing.T) {
	src, err := ParseSource("AWS:us-east-1:etcd-creds")
	require.NoError(t, err)
	require.Equal(t, Source{Provider: ProviderAWS, Location: "us-east-1", SecretID: "etcd-creds"}, src)

	src, err = ParseSource("gcp:my-project:etcd:creds")
	require.NoError(t, err)
	require.Equal(t, "etcd:creds", src.SecretID)

	_, err = ParseSource("vault:x:y")
	require.Error(t, err)
	_, err = ParseSource("aws:us-east-1")
	require.Error(t, err)
}

func TestFetchUnknownProvider(t *testing.T) {
	_, err := Fetch(context.Background(), Source{Provider: "vault"})
	require.Error(t, err)
}
