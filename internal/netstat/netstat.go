// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netstat snapshots the kernel socket tables and joins sockets
// to their owning pids through /proc/<pid>/fd.
package netstat

import (
	"bufio"
	"encoding/hex"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grimm.is/rano/internal/errors"
	"grimm.is/rano/internal/event"
)

// TCP socket states as reported in /proc/net/tcp.
const (
	StateEstablished = 0x01
	StateSynSent     = 0x02
	StateSynRecv     = 0x03
	StateFinWait1    = 0x04
	StateFinWait2    = 0x05
	StateTimeWait    = 0x06
	StateClose       = 0x07
	StateCloseWait   = 0x08
	StateLastAck     = 0x09
	StateListen      = 0x0A
	StateClosing     = 0x0B
)

// Sock is one observed socket with its owning pid. Snapshot returns
// only sockets whose inode belongs to a watched process.
type Sock struct {
	Key   event.FlowKey
	PID   int
	State int
	Inode uint64
}

// Options controls which table rows become observations.
type Options struct {
	IncludeUDP       bool
	IncludeListening bool
}

// Enumerator reads socket tables beneath a proc filesystem root.
type Enumerator struct {
	root string
	opts Options
}

// NewEnumerator returns an enumerator over /proc.
func NewEnumerator(opts Options) *Enumerator {
	return &Enumerator{root: "/proc", opts: opts}
}

// NewEnumeratorAt roots the enumerator at an alternate directory.
func NewEnumeratorAt(root string, opts Options) *Enumerator {
	return &Enumerator{root: root, opts: opts}
}

// Snapshot reads all four tables and returns the sockets owned by pids,
// keyed by flow. Sockets owned by unwatched pids are dropped. A table
// that cannot be read contributes nothing; only a fully unreadable
// /proc/net is an error.
func (e *Enumerator) Snapshot(pids map[int]struct{}) ([]Sock, error) {
	inodes := e.inodeOwners(pids)

	var socks []Sock
	readable := 0
	tables := []struct {
		name  string
		proto event.Proto
		ipv6  bool
	}{
		{"tcp", event.ProtoTCP, false},
		{"tcp6", event.ProtoTCP, true},
		{"udp", event.ProtoUDP, false},
		{"udp6", event.ProtoUDP, true},
	}
	for _, tbl := range tables {
		if tbl.proto == event.ProtoUDP && !e.opts.IncludeUDP {
			continue
		}
		rows, err := e.readTable(filepath.Join(e.root, "net", tbl.name), tbl.proto, tbl.ipv6)
		if err != nil {
			continue
		}
		readable++
		for _, s := range rows {
			pid, ok := inodes[s.Inode]
			if !ok {
				continue
			}
			s.PID = pid
			socks = append(socks, s)
		}
	}
	if readable == 0 {
		return nil, errors.Errorf(errors.KindEnumeration, "no socket tables readable under %s", filepath.Join(e.root, "net"))
	}
	return socks, nil
}

// readTable parses one /proc/net table. Malformed rows are skipped.
func (e *Enumerator) readTable(path string, proto event.Proto, ipv6 bool) ([]Sock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var socks []Sock
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		local, ok := parseHexAddr(fields[1], ipv6)
		if !ok {
			continue
		}
		remote, ok := parseHexAddr(fields[2], ipv6)
		if !ok {
			continue
		}
		state64, err := strconv.ParseInt(fields[3], 16, 32)
		if err != nil {
			continue
		}
		state := int(state64)
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		if !e.keep(proto, state, remote) {
			continue
		}
		socks = append(socks, Sock{
			Key:   event.FlowKey{Proto: proto, Local: local, Remote: remote},
			State: state,
			Inode: inode,
		})
	}
	if err := scanner.Err(); err != nil {
		return socks, nil // partial table: rows read so far still count
	}
	return socks, nil
}

func (e *Enumerator) keep(proto event.Proto, state int, remote netip.AddrPort) bool {
	if proto == event.ProtoUDP {
		// UDP tables carry a pseudo-state; a zero remote is an
		// unconnected socket, treated as listening.
		if remote.Addr().IsUnspecified() && remote.Port() == 0 {
			return e.opts.IncludeListening
		}
		return true
	}
	switch state {
	case StateListen:
		return e.opts.IncludeListening
	case StateTimeWait, StateClose:
		return false
	default:
		return true
	}
}

// parseHexAddr decodes the "ADDR:PORT" hex form of the kernel tables.
// IPv4 addresses are one little-endian 32-bit group; IPv6 addresses
// are four, each byte-swapped independently.
func parseHexAddr(raw string, ipv6 bool) (netip.AddrPort, bool) {
	addrHex, portHex, ok := strings.Cut(raw, ":")
	if !ok {
		return netip.AddrPort{}, false
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return netip.AddrPort{}, false
	}
	b, err := hex.DecodeString(addrHex)
	if err != nil {
		return netip.AddrPort{}, false
	}
	if ipv6 {
		if len(b) != 16 {
			return netip.AddrPort{}, false
		}
		var ip [16]byte
		for g := 0; g < 4; g++ {
			ip[g*4+0] = b[g*4+3]
			ip[g*4+1] = b[g*4+2]
			ip[g*4+2] = b[g*4+1]
			ip[g*4+3] = b[g*4+0]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(ip), uint16(port)), true
	}
	if len(b) != 4 {
		return netip.AddrPort{}, false
	}
	ip := [4]byte{b[3], b[2], b[1], b[0]}
	return netip.AddrPortFrom(netip.AddrFrom4(ip), uint16(port)), true
}

// inodeOwners scans /proc/<pid>/fd for the watched pids only and maps
// socket inodes to owners. Per-pid errors (exited, permission) are
// ignored.
func (e *Enumerator) inodeOwners(pids map[int]struct{}) map[uint64]int {
	owners := make(map[uint64]int)
	for pid := range pids {
		fdDir := filepath.Join(e.root, strconv.Itoa(pid), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if !strings.HasPrefix(link, "socket:[") || !strings.HasSuffix(link, "]") {
				continue
			}
			inode, err := strconv.ParseUint(link[8:len(link)-1], 10, 64)
			if err != nil {
				continue
			}
			owners[inode] = pid
		}
	}
	return owners
}
