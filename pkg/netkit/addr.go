// Package netkit provides the byte-stream transport primitives of the
// engine: network addresses, role-tagged connections with conditional
// receive framing, and client fingerprinting.
package netkit

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// HostAddress identifies a network endpoint. Immutable value type.
type HostAddress struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (a HostAddress) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// ParseHostAddress splits a host:port string into a HostAddress.
// Input without a port yields port -1.
func ParseHostAddress(s string) (HostAddress, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		if net.ParseIP(s) != nil {
			return HostAddress{IP: s, Port: -1}, nil
		}
		return HostAddress{}, fmt.Errorf("parse host address %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return HostAddress{}, fmt.Errorf("parse port %q: %w", port, err)
	}
	return HostAddress{IP: host, Port: p}, nil
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // Assume the input is already an IP address.
	}
	return host
}

// AddrFrom converts a net.Addr into a HostAddress.
func AddrFrom(addr net.Addr) HostAddress {
	if addr == nil {
		return HostAddress{}
	}
	ip := extractIP(addr.String())
	port := -1
	if _, p, err := net.SplitHostPort(addr.String()); err == nil {
		port, _ = strconv.Atoi(p)
	}
	return HostAddress{IP: ip, Port: port}
}

// isIPv4 - checks if input IP is of type v4
func isIPv4(addr string) bool {
	return strings.Count(addr, ":") < 2
}

// AppendCIDR appends a host-route CIDR suffix to a bare IP.
func AppendCIDR(ip string) string {
	if strings.Contains(ip, "/") {
		return ip
	}
	if isIPv4(ip) {
		return ip + "/32"
	}
	return ip + "/128"
}

// ValidIP reports whether s parses as an IP address, with or without
// a trailing port.
func ValidIP(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	return net.ParseIP(host) != nil
}
