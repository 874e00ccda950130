package transport

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/dieterichlawson/replfs/internal/wire"
)

const (
	// GroupAddr is the fixed multicast group every replica and client
	// joins (0xE0010101 == 224.1.1.1).
	GroupAddr = "224.1.1.1"
	// MulticastTTL is kept well under the 255 hop-count ceiling.
	MulticastTTL = 32
	// DefaultHeartbeat is the wall-clock heartbeat cadence.
	DefaultHeartbeat = 200 * time.Millisecond

	maxDatagramSize = 1 + 1 + wire.MaxWriteSize*2 // generous upper bound on any record
)

// Multicast is the production Channel: a UDP socket bound to the
// fixed multicast group, with outbound drop simulation applied at
// Send so tests can exercise loss without a lossy network.
type Multicast struct {
	conn        *ipv4.PacketConn
	raw         net.PacketConn
	group       *net.UDPAddr
	dropPercent int
	rng         *rand.Rand
	heartbeat   time.Duration
	nextTick    time.Time
	logger      *log.Entry
}

// NewMulticast joins the ReplFS multicast group on port and returns a
// Channel that drops outbound packets with probability dropPercent/100
// (simulated loss for testing).
func NewMulticast(port int, dropPercent int, heartbeat time.Duration) (*Multicast, error) {
	group := &net.UDPAddr{IP: net.ParseIP(GroupAddr), Port: port}

	raw, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}

	pconn := ipv4.NewPacketConn(raw)
	if err := pconn.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: join group: %w", err)
	}
	if err := pconn.SetMulticastTTL(MulticastTTL); err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: set ttl: %w", err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		log.Warnf("transport: could not enable multicast loopback: %v", err)
	}

	return &Multicast{
		conn:        pconn,
		raw:         raw,
		group:       group,
		dropPercent: dropPercent,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		heartbeat:   heartbeat,
		logger:      log.WithField("component", "transport"),
	}, nil
}

// Send implements Channel.
func (m *Multicast) Send(tag wire.Tag, rec any) error {
	if m.dropPercent > 0 && m.rng.Intn(100) < m.dropPercent {
		m.logger.Debugf("dropping outbound packet of type %s", tag)
		return nil
	}
	buf, err := wire.Encode(tag, rec)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	_, err = m.conn.WriteTo(buf, nil, m.group)
	return err
}

// Next implements Channel. Unknown or malformed datagrams are
// silently ignored — Next keeps waiting for the next datagram or
// heartbeat without surfacing an error for them.
func (m *Multicast) Next() (Event, error) {
	if m.nextTick.IsZero() {
		m.nextTick = time.Now().Add(m.heartbeat)
	}
	buf := make([]byte, maxDatagramSize)
	for {
		remaining := time.Until(m.nextTick)
		if remaining < 0 {
			remaining = 0
		}
		if err := m.raw.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			return nil, fmt.Errorf("transport: set deadline: %w", err)
		}
		n, _, src, err := m.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				m.nextTick = m.nextTick.Add(m.heartbeat)
				return HeartbeatEvent{}, nil
			}
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		tag, rec, decErr := wire.Decode(buf[:n])
		if decErr != nil {
			m.logger.Debugf("ignoring undecodable packet from %v: %v", src, decErr)
			continue
		}
		srcStr := ""
		if src != nil {
			srcStr = src.String()
		}
		return PacketEvent{Source: srcStr, Tag: tag, Record: rec}, nil
	}
}

// Close implements Channel.
func (m *Multicast) Close() error {
	return m.raw.Close()
}
