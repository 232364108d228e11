// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netstat

import (
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rano/internal/event"
)

const tableHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

func row(local, remote, state string, inode uint64) string {
	return "   0: " + local + " " + remote + " " + state +
		" 00000000:00000000 00:00000000 00000000  1000        0 " +
		strconv.FormatUint(inode, 10) + " 1 0000000000000000\n"
}

func writeTable(t *testing.T, root, name string, rows ...string) {
	t.Helper()
	dir := filepath.Join(root, "net")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := tableHeader
	for _, r := range rows {
		content += r
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func linkSocket(t *testing.T, root string, pid int, fd string, inode uint64) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid), "fd")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Symlink("socket:["+strconv.FormatUint(inode, 10)+"]", filepath.Join(dir, fd)))
}

func pidset(pids ...int) map[int]struct{} {
	m := make(map[int]struct{})
	for _, p := range pids {
		m[p] = struct{}{}
	}
	return m
}

func TestParseHexAddrIPv4(t *testing.T) {
	ap, ok := parseHexAddr("0100007F:1F90", false)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:8080", ap.String())
}

func TestParseHexAddrIPv6(t *testing.T) {
	// ::1 stored as four little-endian 32-bit groups
	ap, ok := parseHexAddr("00000000000000000000000001000000:01BB", true)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("[::1]:443"), ap)
}

func TestParseHexAddrMalformed(t *testing.T) {
	_, ok := parseHexAddr("nonsense", false)
	assert.False(t, ok)
	_, ok = parseHexAddr("zz00007F:1F90", false)
	assert.False(t, ok)
	_, ok = parseHexAddr("0100007F:1F90", true) // wrong width for v6
	assert.False(t, ok)
}

func TestSnapshotJoinsInodeToPid(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "tcp",
		row("0100007F:C350", "0F02000A:01BB", "01", 5001), // watched
		row("0100007F:C351", "0F02000A:01BB", "01", 5002), // unwatched inode
	)
	writeTable(t, root, "tcp6")
	linkSocket(t, root, 100, "3", 5001)

	e := NewEnumeratorAt(root, Options{})
	socks, err := e.Snapshot(pidset(100))
	require.NoError(t, err)

	require.Len(t, socks, 1)
	assert.Equal(t, 100, socks[0].PID)
	assert.Equal(t, event.ProtoTCP, socks[0].Key.Proto)
	assert.Equal(t, "10.0.2.15:443", socks[0].Key.Remote.String())
	assert.Equal(t, StateEstablished, socks[0].State)
}

func TestSnapshotExcludesListenByDefault(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "tcp",
		row("00000000:1F90", "00000000:0000", "0A", 6001),
		row("0100007F:C350", "0F02000A:01BB", "01", 6002),
	)
	writeTable(t, root, "tcp6")
	linkSocket(t, root, 100, "3", 6001)
	linkSocket(t, root, 100, "4", 6002)

	socks, err := NewEnumeratorAt(root, Options{}).Snapshot(pidset(100))
	require.NoError(t, err)
	require.Len(t, socks, 1)
	assert.Equal(t, StateEstablished, socks[0].State)

	socks, err = NewEnumeratorAt(root, Options{IncludeListening: true}).Snapshot(pidset(100))
	require.NoError(t, err)
	assert.Len(t, socks, 2)
}

func TestSnapshotSkipsTimeWait(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "tcp",
		row("0100007F:C350", "0F02000A:01BB", "06", 7001),
	)
	writeTable(t, root, "tcp6")
	linkSocket(t, root, 100, "3", 7001)

	socks, err := NewEnumeratorAt(root, Options{}).Snapshot(pidset(100))
	require.NoError(t, err)
	assert.Empty(t, socks)
}

func TestSnapshotUDPOnlyWhenEnabled(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "tcp")
	writeTable(t, root, "tcp6")
	writeTable(t, root, "udp",
		row("0100007F:D431", "08080808:0035", "07", 8001),
	)
	writeTable(t, root, "udp6")
	linkSocket(t, root, 100, "5", 8001)

	socks, err := NewEnumeratorAt(root, Options{}).Snapshot(pidset(100))
	require.NoError(t, err)
	assert.Empty(t, socks)

	socks, err = NewEnumeratorAt(root, Options{IncludeUDP: true}).Snapshot(pidset(100))
	require.NoError(t, err)
	require.Len(t, socks, 1)
	assert.Equal(t, event.ProtoUDP, socks[0].Key.Proto)
	assert.Equal(t, "8.8.8.8:53", socks[0].Key.Remote.String())
}

func TestSnapshotUnconnectedUDPTreatedAsListening(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "tcp")
	writeTable(t, root, "tcp6")
	writeTable(t, root, "udp",
		row("00000000:14E9", "00000000:0000", "07", 9001),
	)
	writeTable(t, root, "udp6")
	linkSocket(t, root, 100, "6", 9001)

	socks, err := NewEnumeratorAt(root, Options{IncludeUDP: true}).Snapshot(pidset(100))
	require.NoError(t, err)
	assert.Empty(t, socks)

	socks, err = NewEnumeratorAt(root, Options{IncludeUDP: true, IncludeListening: true}).Snapshot(pidset(100))
	require.NoError(t, err)
	assert.Len(t, socks, 1)
}

func TestSnapshotMalformedRowsSkipped(t *testing.T) {
	root := t.TempDir()
	writeTable(t, root, "tcp",
		"garbage line\n",
		row("XXYYZZ:C350", "0F02000A:01BB", "01", 4001),
		row("0100007F:C350", "0F02000A:01BB", "01", 4002),
	)
	writeTable(t, root, "tcp6")
	linkSocket(t, root, 100, "3", 4002)

	socks, err := NewEnumeratorAt(root, Options{}).Snapshot(pidset(100))
	require.NoError(t, err)
	require.Len(t, socks, 1)
	assert.EqualValues(t, 4002, socks[0].Inode)
}

func TestSnapshotNoTablesReadable(t *testing.T) {
	root := t.TempDir()
	_, err := NewEnumeratorAt(root, Options{}).Snapshot(pidset(100))
	require.Error(t, err)
}

func TestInodeOwnersIgnoresUnwatchedAndVanished(t *testing.T) {
	root := t.TempDir()
	linkSocket(t, root, 100, "3", 1234)
	linkSocket(t, root, 200, "3", 5678)

	e := NewEnumeratorAt(root, Options{})
	owners := e.inodeOwners(pidset(100, 300)) // 200 unwatched, 300 gone

	assert.Equal(t, map[uint64]int{1234: 100}, owners)
}
