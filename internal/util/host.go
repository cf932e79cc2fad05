package util

import (
	"net/netip"
	"strings"
)

// IsLoopbackHost reports whether hostname names the local machine: localhost,
// the 127.0.0.0/8 range, ::1 and IPv4-mapped loopback addresses. Brackets
// around IPv6 literals are accepted.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]"))
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}
