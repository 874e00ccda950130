package transport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dieterichlawson/replfs/internal/wire"
)

// LoopbackHub is an in-memory stand-in for the multicast group, used
// by tests to exercise the full client/server protocol against many
// instances in one process without opening real sockets. It
// reproduces IP multicast's default loopback behavior: every member,
// including the sender, observes every Send.
type LoopbackHub struct {
	mu          sync.Mutex
	members     []*Loopback
	dropPercent int
	rng         *rand.Rand
}

// NewLoopbackHub creates a hub that drops dropPercent% of sent
// packets, mirroring Multicast's drop simulation.
func NewLoopbackHub(dropPercent int) *LoopbackHub {
	return &LoopbackHub{
		dropPercent: dropPercent,
		rng:         rand.New(rand.NewSource(1)),
	}
}

// NewChannel registers and returns a new member Channel identified by
// name (used only for PacketEvent.Source / logging).
func (h *LoopbackHub) NewChannel(name string, heartbeat time.Duration) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	lb := &Loopback{
		hub:       h,
		name:      name,
		heartbeat: heartbeat,
		inbox:     make(chan Event, 256),
	}
	h.members = append(h.members, lb)
	return lb
}

func (h *LoopbackHub) broadcast(from string, tag wire.Tag, rec any) {
	h.mu.Lock()
	drop := h.dropPercent > 0 && h.rng.Intn(100) < h.dropPercent
	members := append([]*Loopback(nil), h.members...)
	h.mu.Unlock()
	if drop {
		return
	}
	for _, m := range members {
		m.deliver(PacketEvent{Source: from, Tag: tag, Record: rec})
	}
}

// Loopback is a LoopbackHub member implementing Channel.
type Loopback struct {
	hub       *LoopbackHub
	name      string
	heartbeat time.Duration
	inbox     chan Event
	nextTick  time.Time
	closed    bool
	mu        sync.Mutex
}

func (l *Loopback) deliver(e Event) {
	select {
	case l.inbox <- e:
	default:
		// Inbox full: treat like a dropped datagram rather than
		// blocking the sender.
	}
}

// Send implements Channel.
func (l *Loopback) Send(tag wire.Tag, rec any) error {
	// Round-trip through the wire codec so that tests exercising
	// Loopback still catch encode/decode bugs, the same packets a real
	// Multicast channel would carry.
	buf, err := wire.Encode(tag, rec)
	if err != nil {
		return err
	}
	decodedTag, decodedRec, err := wire.Decode(buf)
	if err != nil {
		return err
	}
	l.hub.broadcast(l.name, decodedTag, decodedRec)
	return nil
}

// Next implements Channel.
func (l *Loopback) Next() (Event, error) {
	if l.nextTick.IsZero() {
		l.nextTick = time.Now().Add(l.heartbeat)
	}
	remaining := time.Until(l.nextTick)
	if remaining < 0 {
		remaining = 0
	}
	select {
	case e := <-l.inbox:
		return e, nil
	case <-time.After(remaining):
		l.nextTick = l.nextTick.Add(l.heartbeat)
		return HeartbeatEvent{}, nil
	}
}

// Close implements Channel.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
