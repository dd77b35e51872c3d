// Package transport defines the capability set media units use to reach their
// peer. The WebRTC stack (ICE/DTLS-SRTP) and the inter-instance UDP relays
// both satisfy it; the media plane never sees transport internals.
package transport

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Sender sends raw RTP/RTCP toward one peer. Implementations drop silently
// while not connected.
type Sender interface {
	IsConnected() bool
	SendRTP(data []byte)
	SendRTCP(data []byte)
}

// ICEIdentity is the local side of an ICE/DTLS negotiation, rendered into
// answer SDP. How it is produced belongs to the transport layer.
type ICEIdentity struct {
	Ufrag       string
	Pwd         string
	Fingerprint string
}

// NewICEIdentity allocates fresh local ICE credentials with the given DTLS
// certificate fingerprint.
func NewICEIdentity(fingerprint string) ICEIdentity {
	return ICEIdentity{
		Ufrag:       randToken(8),
		Pwd:         randToken(24),
		Fingerprint: fingerprint,
	}
}

func randToken(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	for len(s) < n {
		s += strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return s[:n]
}

// Capture is a Sender that records what was sent, for tests and for sessions
// whose transport is not yet bound. Safe for concurrent use.
type Capture struct {
	Connected bool

	mu   sync.Mutex
	RTP  [][]byte
	RTCP [][]byte
}

func (c *Capture) IsConnected() bool { return c.Connected }

func (c *Capture) SendRTP(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.mu.Lock()
	c.RTP = append(c.RTP, buf)
	c.mu.Unlock()
}

func (c *Capture) SendRTCP(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.mu.Lock()
	c.RTCP = append(c.RTCP, buf)
	c.mu.Unlock()
}

// RTPCount returns how many RTP payloads were captured.
func (c *Capture) RTPCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.RTP)
}

// RTCPCount returns how many RTCP payloads were captured.
func (c *Capture) RTCPCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.RTCP)
}

// LastRTP returns a copy of the most recent RTP payload, or nil.
func (c *Capture) LastRTP() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.RTP) == 0 {
		return nil
	}
	buf := make([]byte, len(c.RTP[len(c.RTP)-1]))
	copy(buf, c.RTP[len(c.RTP)-1])
	return buf
}
