// Package relay implements the UDP bridges that carry RTP/RTCP between
// server instances: RecvRelay accepts a remote publisher's media on a locally
// bound port, SendRelay pushes local media toward the instance holding the
// subscriber. Both speak plain RTP/RTCP, no DTLS, reusing the SSRCs the
// publisher negotiated on its WebRTC side.
package relay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	relayAliveMs     = 40000
	recvTimerMs      = 500
	sendTimerMs      = 300
	statsIntervalMs  = 5000
	maxDatagramBytes = 1600
)

// PacketSink receives RTP parsed by a RecvRelay, as if a local pusher had
// produced it.
type PacketSink interface {
	OnRtpPacketFromRemoteRtcPusher(pusherUserID, pusherID string, pkt *rtp.Packet)
}

// KeyFrameRequester lets a SendRelay escalate a remote subscriber's PLI back
// to the publisher.
type KeyFrameRequester interface {
	OnKeyFrameRequest(pusherID, pullerUserID, pusherUserID string, ssrc uint32) int
}

// PortAllocator hands out local UDP ports from a configured range,
// round-robin. Process wide, safe for concurrent use.
type PortAllocator struct {
	mu   sync.Mutex
	min  uint16
	max  uint16
	next uint16
}

// NewPortAllocator builds an allocator over [min, max].
func NewPortAllocator(min, max uint16) (*PortAllocator, error) {
	if min == 0 || max < min {
		return nil, fmt.Errorf("invalid relay port range [%d, %d]", min, max)
	}
	return &PortAllocator{min: min, max: max, next: min}, nil
}

// Next returns the next candidate port.
func (p *PortAllocator) Next() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.next
	if p.next >= p.max {
		p.next = p.min
	} else {
		p.next++
	}
	return port
}

// Span returns the number of ports the allocator cycles through.
func (p *PortAllocator) Span() int { return int(p.max-p.min) + 1 }

// listenWithAllocator walks the allocator's range until a port binds.
func listenWithAllocator(bindIP string, alloc *PortAllocator) (*net.UDPConn, error) {
	ip := net.ParseIP(bindIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid relay bind ip %q", bindIP)
	}
	var lastErr error
	for i := 0; i < alloc.Span(); i++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: int(alloc.Next())})
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free relay port: %w", lastErr)
}

// isRtcp classifies a datagram by the packet-type octet. RTCP packet types
// occupy 192..223, which never collides with RTP payload types in use here.
func isRtcp(buf []byte) bool {
	return len(buf) >= 2 && buf[1] >= 192 && buf[1] <= 223
}

func nowMillis() int64 { return time.Now().UnixMilli() }
