/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package authhdr

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

const basicPrefix = "basic "

func DecodeBasicAuth(hdr string) (string, string, bool) {
	if len(hdr) < len(basicPrefix) || !strings.EqualFold(hdr[:len(basicPrefix)], basicPrefix) {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(hdr[len(basicPrefix):])
	if err != nil {
		return "", "", false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}

	return username, password, true
}

// CheckBasicAuth reports whether hdr carries exactly the given credentials.
// The comparison does not leak how much of the credentials matched.
func CheckBasicAuth(hdr string, username string, password string) bool {
	gotUser, gotPass, ok := DecodeBasicAuth(hdr)
	if !ok {
		return false
	}

	userOk := subtle.ConstantTimeCompare([]byte(gotUser), []byte(username)) == 1
	passOk := subtle.ConstantTimeCompare([]byte(gotPass), []byte(password)) == 1
	return userOk && passOk
}
