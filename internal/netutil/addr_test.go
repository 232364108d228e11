// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"net/netip"
	"testing"
)

func TestIsPrivate(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"10.0.0.5", true},
		{"172.16.44.1", true},
		{"192.168.1.50", true},
		{"127.0.0.1", true},
		{"169.254.10.10", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::1234", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"104.18.32.7", false},
		{"2606:4700::6810:2007", false},
		{"::ffff:192.168.0.1", true},
		{"::ffff:1.1.1.1", false},
	}
	for _, c := range cases {
		addr := netip.MustParseAddr(c.addr)
		if got := IsPrivate(addr); got != c.want {
			t.Errorf("IsPrivate(%s) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestIPVersion(t *testing.T) {
	if IPVersion(netip.MustParseAddr("1.2.3.4")) != 4 {
		t.Errorf("expected version 4")
	}
	if IPVersion(netip.MustParseAddr("2001:db8::1")) != 6 {
		t.Errorf("expected version 6")
	}
	if IPVersion(netip.MustParseAddr("::ffff:1.2.3.4")) != 4 {
		t.Errorf("4-mapped-in-6 should report version 4")
	}
}
