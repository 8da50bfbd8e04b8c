/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

func IsInAddrAny(addr string) bool {
	return addr == "" || addr == "::/0" || addr == "0.0.0.0" || addr == "::" || addr == "[::]"
}

func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	_ = conn.Close()

	return localAddr.IP, nil
}

func GetAdvertiseAddress(bindAddress string) (string, error) {
	// if no advertise address was explicitly provided, use the bind address if
	// it was not an inaddr_any bind.
	if !IsInAddrAny(bindAddress) {
		return bindAddress, nil
	}

	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", err
	}

	return outboundIP.String(), nil
}

// NodeName builds the live node name of a search node, host:port_context,
// where the context path has its slashes replaced.
func NodeName(host string, port int, contextPath string) string {
	contextPath = strings.Trim(contextPath, "/")
	return net.JoinHostPort(host, strconv.Itoa(port)) + "_" + strings.ReplaceAll(contextPath, "/", "%2F")
}

// BaseURLForNodeName reverses NodeName into the node's base url.
func BaseURLForNodeName(nodeName string, scheme string) (string, error) {
	hostPort, contextPath, ok := strings.Cut(nodeName, "_")
	if !ok {
		return "", fmt.Errorf("invalid node name %q", nodeName)
	}
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		return "", fmt.Errorf("invalid node name %q: %w", nodeName, err)
	}

	url := scheme + "://" + hostPort
	if contextPath != "" {
		url += "/" + strings.ReplaceAll(contextPath, "%2F", "/")
	}
	return url, nil
}
