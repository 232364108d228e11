// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import "net/netip"

// IsPrivate reports whether addr belongs to a non-routable range:
// RFC1918, loopback, link-local (unicast or multicast), unspecified,
// or unique-local IPv6.
func IsPrivate(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsPrivate() ||
		addr.IsUnspecified()
}

// IPVersion returns 4 or 6 for the given address. 4-mapped-in-6
// addresses count as version 4.
func IPVersion(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return 4
	}
	return 6
}
