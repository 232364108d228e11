// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tap

import (
	"encoding/binary"
	"net/netip"

	"github.com/miekg/dns"

	"grimm.is/rano/internal/event"
)

// TCP header flag bits.
const (
	tcpFIN = 0x01
	tcpSYN = 0x02
	tcpRST = 0x04
	tcpACK = 0x10
)

const (
	etherTypeVLAN = 0x8100
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD

	protoTCP = 6
	protoUDP = 17

	dnsPort = 53
	tlsPort = 443
)

// frame is one decoded transport packet as seen on the wire.
type frame struct {
	src, dst netip.AddrPort
	proto    event.Proto
	tcpFlags byte
	payload  []byte
}

// parseFrame decodes Ethernet (with at most one VLAN tag), IPv4/IPv6,
// and the TCP/UDP header. IPv6 extension headers are not walked; such
// frames are skipped.
func parseFrame(data []byte) (frame, bool) {
	if len(data) < 14 {
		return frame{}, false
	}
	offset := 14
	etherType := binary.BigEndian.Uint16(data[12:14])
	if etherType == etherTypeVLAN {
		if len(data) < 18 {
			return frame{}, false
		}
		etherType = binary.BigEndian.Uint16(data[16:18])
		offset = 18
	}
	switch etherType {
	case etherTypeIPv4:
		return parseIPv4(data, offset)
	case etherTypeIPv6:
		return parseIPv6(data, offset)
	}
	return frame{}, false
}

func parseIPv4(data []byte, offset int) (frame, bool) {
	if len(data) < offset+20 {
		return frame{}, false
	}
	ihl := int(data[offset]&0x0f) * 4
	if ihl < 20 || len(data) < offset+ihl {
		return frame{}, false
	}
	proto := data[offset+9]
	src := netip.AddrFrom4([4]byte(data[offset+12 : offset+16]))
	dst := netip.AddrFrom4([4]byte(data[offset+16 : offset+20]))
	return parseL4(data, offset+ihl, proto, src, dst)
}

func parseIPv6(data []byte, offset int) (frame, bool) {
	if len(data) < offset+40 {
		return frame{}, false
	}
	next := data[offset+6]
	src := netip.AddrFrom16([16]byte(data[offset+8 : offset+24]))
	dst := netip.AddrFrom16([16]byte(data[offset+24 : offset+40]))
	return parseL4(data, offset+40, next, src, dst)
}

func parseL4(data []byte, offset int, proto byte, src, dst netip.Addr) (frame, bool) {
	switch proto {
	case protoTCP:
		if len(data) < offset+20 {
			return frame{}, false
		}
		srcPort := binary.BigEndian.Uint16(data[offset : offset+2])
		dstPort := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		dataOff := int(data[offset+12]>>4) * 4
		if dataOff < 20 || len(data) < offset+dataOff {
			return frame{}, false
		}
		return frame{
			src:      netip.AddrPortFrom(src, srcPort),
			dst:      netip.AddrPortFrom(dst, dstPort),
			proto:    event.ProtoTCP,
			tcpFlags: data[offset+13],
			payload:  data[offset+dataOff:],
		}, true
	case protoUDP:
		if len(data) < offset+8 {
			return frame{}, false
		}
		srcPort := binary.BigEndian.Uint16(data[offset : offset+2])
		dstPort := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		return frame{
			src:     netip.AddrPortFrom(src, srcPort),
			dst:     netip.AddrPortFrom(dst, dstPort),
			proto:   event.ProtoUDP,
			payload: data[offset+8:],
		}, true
	}
	return frame{}, false
}

// signalKind maps TCP flags to a lifecycle signal, or ok=false for
// plain data segments.
func signalKind(flags byte) (Kind, bool) {
	switch {
	case flags&tcpRST != 0:
		return KindRST, true
	case flags&tcpSYN != 0 && flags&tcpACK != 0:
		return KindSYNACK, true
	case flags&tcpSYN != 0:
		return KindSYN, true
	case flags&tcpFIN != 0:
		return KindFIN, true
	}
	return 0, false
}

// parseDNSAnswers extracts question-name to address mappings from a DNS
// response. TCP payloads carry a 2-byte length prefix.
func parseDNSAnswers(payload []byte, tcp bool) (string, []netip.Addr) {
	if tcp {
		if len(payload) < 2 {
			return "", nil
		}
		n := int(binary.BigEndian.Uint16(payload[:2]))
		if len(payload) < 2+n {
			return "", nil
		}
		payload = payload[2 : 2+n]
	}
	var msg dns.Msg
	if err := msg.Unpack(payload); err != nil || !msg.Response || len(msg.Question) == 0 {
		return "", nil
	}
	name := trimDot(msg.Question[0].Name)
	var addrs []netip.Addr
	for _, rr := range msg.Answer {
		switch a := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
				addrs = append(addrs, ip)
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(a.AAAA.To16()); ok {
				addrs = append(addrs, ip)
			}
		}
	}
	if name == "" || len(addrs) == 0 {
		return "", nil
	}
	return name, addrs
}

func trimDot(name string) string {
	if n := len(name); n > 0 && name[n-1] == '.' {
		return name[:n-1]
	}
	return name
}

// parseTLSSNI pulls the server name out of a TLS ClientHello, if this
// segment starts one.
func parseTLSSNI(p []byte) string {
	if len(p) < 9 || p[0] != 0x16 || p[5] != 0x01 {
		return ""
	}
	recordLen := int(binary.BigEndian.Uint16(p[3:5]))
	if len(p) < 5+recordLen {
		return ""
	}
	hsLen := int(p[6])<<16 | int(p[7])<<8 | int(p[8])
	if recordLen < 4+hsLen {
		return ""
	}
	// client version (2) + random (32)
	pos := 9
	if len(p) < pos+34+1 {
		return ""
	}
	pos += 34
	sessionLen := int(p[pos])
	pos++
	if len(p) < pos+sessionLen+2 {
		return ""
	}
	pos += sessionLen
	cipherLen := int(binary.BigEndian.Uint16(p[pos : pos+2]))
	pos += 2
	if len(p) < pos+cipherLen+1 {
		return ""
	}
	pos += cipherLen
	compLen := int(p[pos])
	pos++
	if len(p) < pos+compLen+2 {
		return ""
	}
	pos += compLen
	extLen := int(binary.BigEndian.Uint16(p[pos : pos+2]))
	pos += 2
	if len(p) < pos+extLen {
		return ""
	}
	end := pos + extLen
	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(p[pos : pos+2])
		length := int(binary.BigEndian.Uint16(p[pos+2 : pos+4]))
		pos += 4
		if pos+length > end {
			return ""
		}
		if extType != 0x0000 { // server_name
			pos += length
			continue
		}
		if length < 2 {
			return ""
		}
		listLen := int(binary.BigEndian.Uint16(p[pos : pos+2]))
		listEnd := pos + 2 + listLen
		pos += 2
		if listEnd > end {
			return ""
		}
		for pos+3 <= listEnd {
			nameType := p[pos]
			nameLen := int(binary.BigEndian.Uint16(p[pos+1 : pos+3]))
			pos += 3
			if pos+nameLen > listEnd {
				return ""
			}
			if nameType == 0 {
				return string(p[pos : pos+nameLen])
			}
			pos += nameLen
		}
		return ""
	}
	return ""
}
