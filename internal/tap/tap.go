// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tap passively captures TCP lifecycle signals and sniffed
// domain names to supplement the polling cycle. It requires
// CAP_NET_RAW; without it the engine runs poll-only.
package tap

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"

	"grimm.is/rano/internal/clock"
	"grimm.is/rano/internal/dnscache"
	"grimm.is/rano/internal/errors"
	"grimm.is/rano/internal/event"
	"grimm.is/rano/internal/logging"
)

// ChannelCapacity bounds the message channel; on overflow the oldest
// queued message is dropped and counted, never blocking the capture loop.
const ChannelCapacity = 1024

const (
	readTimeout = 500 * time.Millisecond
	// consecutive read errors before the tap disables itself
	errorStreakLimit = 10
)

// Kind is a TCP lifecycle signal.
type Kind byte

const (
	KindSYN Kind = iota
	KindSYNACK
	KindFIN
	KindRST
)

func (k Kind) String() string {
	switch k {
	case KindSYN:
		return "syn"
	case KindSYNACK:
		return "synack"
	case KindFIN:
		return "fin"
	case KindRST:
		return "rst"
	}
	return "unknown"
}

// Signal is one observed TCP transition. The key is oriented as seen
// on the wire (src as local); the consumer matches both orientations.
type Signal struct {
	TS   time.Time
	Key  event.FlowKey
	Kind Kind
}

// DomainHint is a sniffed hostname for a remote address.
type DomainHint struct {
	Addr   netip.Addr
	Port   uint16
	Name   string
	Source dnscache.Source
}

// Message carries exactly one of Signal or Hint.
type Message struct {
	Signal *Signal
	Hint   *DomainHint
}

// Tap owns the AF_PACKET socket and its reader goroutine.
type Tap struct {
	conn   *packet.Conn
	device string
	clk    clock.Clock
	log    *logging.Logger

	msgs     chan Message
	dropped  atomic.Int64
	degraded atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Open attaches to the named device, or to the first usable interface
// when device is empty, and starts the capture loop.
func Open(device string, clk clock.Clock, log *logging.Logger) (*Tap, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logging.Default()
	}
	ifi, err := pickInterface(device)
	if err != nil {
		return nil, err
	}
	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindCapture, "cannot open capture on %s", ifi.Name)
	}
	t := &Tap{
		conn:   conn,
		device: ifi.Name,
		clk:    clk,
		log:    log.WithComponent("tap"),
		msgs:   make(chan Message, ChannelCapacity),
		done:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	t.log.Info("Capture started", "device", ifi.Name)
	return t, nil
}

func pickInterface(device string) (*net.Interface, error) {
	if device != "" {
		ifi, err := net.InterfaceByName(device)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindCapture, "no such device %q", device)
		}
		return ifi, nil
	}
	ifis, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCapture, "cannot list interfaces")
	}
	for i := range ifis {
		ifi := &ifis[i]
		if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagLoopback == 0 {
			return ifi, nil
		}
	}
	return nil, errors.New(errors.KindCapture, "no usable capture interface")
}

// Device returns the interface the tap listens on.
func (t *Tap) Device() string { return t.device }

// Messages is the bounded signal/hint stream. Drained non-blockingly
// by the engine each cycle.
func (t *Tap) Messages() <-chan Message { return t.msgs }

// Dropped returns how many messages overflowed the channel.
func (t *Tap) Dropped() int64 { return t.dropped.Load() }

// Degraded reports whether steady-state errors disabled the tap.
func (t *Tap) Degraded() bool { return t.degraded.Load() }

// Close stops the capture loop and releases the socket.
func (t *Tap) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

func (t *Tap) run() {
	defer t.wg.Done()
	buf := make([]byte, 65536)
	streak := 0
	for {
		select {
		case <-t.done:
			return
		default:
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			if os.IsTimeout(err) {
				streak = 0
				continue
			}
			select {
			case <-t.done:
				return
			default:
			}
			streak++
			if streak >= errorStreakLimit {
				t.log.Error("Capture failing, disabling tap for this session", "device", t.device, "error", err)
				t.degraded.Store(true)
				return
			}
			continue
		}
		streak = 0
		t.process(buf[:n], t.clk.Now())
	}
}

// process turns one frame into zero or more messages.
func (t *Tap) process(data []byte, ts time.Time) {
	f, ok := parseFrame(data)
	if !ok {
		return
	}
	switch f.proto {
	case event.ProtoTCP:
		if kind, ok := signalKind(f.tcpFlags); ok {
			t.emit(Message{Signal: &Signal{
				TS:   ts,
				Key:  event.FlowKey{Proto: event.ProtoTCP, Local: f.src, Remote: f.dst},
				Kind: kind,
			}})
		}
		if f.src.Port() == dnsPort || f.dst.Port() == dnsPort {
			t.emitDNS(f.payload, true)
		}
		if f.dst.Port() == tlsPort {
			if name := parseTLSSNI(f.payload); name != "" {
				t.emit(Message{Hint: &DomainHint{
					Addr:   f.dst.Addr(),
					Port:   f.dst.Port(),
					Name:   name,
					Source: dnscache.SourceSNI,
				}})
			}
		}
	case event.ProtoUDP:
		if f.src.Port() == dnsPort || f.dst.Port() == dnsPort {
			t.emitDNS(f.payload, false)
		}
	}
}

func (t *Tap) emitDNS(payload []byte, tcp bool) {
	name, addrs := parseDNSAnswers(payload, tcp)
	for _, addr := range addrs {
		t.emit(Message{Hint: &DomainHint{
			Addr:   addr,
			Name:   name,
			Source: dnscache.SourceDNS,
		}})
	}
}

func (t *Tap) emit(m Message) {
	select {
	case t.msgs <- m:
	default:
		select {
		case <-t.msgs:
			t.dropped.Add(1)
		default:
		}
		select {
		case t.msgs <- m:
		default:
			t.dropped.Add(1)
		}
	}
}
