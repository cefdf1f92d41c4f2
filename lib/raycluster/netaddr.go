// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// availablePort returns a TCP port that nothing is listening on at
// the moment. Another process can take it before we use it.
func availablePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

// interfaceAddress returns the first IPv4 address of the named
// network interface.
func interfaceAddress(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return ipnet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("interface %s has no IPv4 address", name)
}

// dataAddress returns the address other nodes should use to reach
// this host: the address of the data network interface if it has
// one, otherwise an address of our hostname.
func dataAddress(iface string) (string, error) {
	if iface != "" {
		addr, err := interfaceAddress(iface)
		if err == nil {
			return addr, nil
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return "", fmt.Errorf("interface %q unusable and cannot resolve hostname %q: %w", iface, hostname, err)
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil && !ip.IsLoopback() {
			return addr, nil
		}
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("hostname %q has no addresses", hostname)
	}
	return addrs[0], nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
