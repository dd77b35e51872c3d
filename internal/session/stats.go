// Package session implements the per-SSRC RTP endpoints: receive sessions
// with sequence/jitter accounting, RTX demux and NACK generation, and send
// sessions with a retransmission cache and sender reports.
package session

import "time"

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// StreamStats accumulates byte/packet totals and exposes a windowed rate.
type StreamStats struct {
	bytes   uint64
	packets uint64

	windowBytes   uint64
	windowPackets uint64
	windowStartMs int64
}

// Update records one packet of n bytes.
func (s *StreamStats) Update(n int, nowMs int64) {
	if s.windowStartMs == 0 {
		s.windowStartMs = nowMs
	}
	s.bytes += uint64(n)
	s.packets++
	s.windowBytes += uint64(n)
	s.windowPackets++
}

// Rate returns bytes/s and packets/s since the previous call, then resets the
// window.
func (s *StreamStats) Rate(nowMs int64) (bps, pps uint64) {
	elapsed := nowMs - s.windowStartMs
	if elapsed <= 0 {
		return 0, 0
	}
	bps = s.windowBytes * 1000 / uint64(elapsed)
	pps = s.windowPackets * 1000 / uint64(elapsed)
	s.windowBytes = 0
	s.windowPackets = 0
	s.windowStartMs = nowMs
	return bps, pps
}

// Bytes returns the total byte count.
func (s *StreamStats) Bytes() uint64 { return s.bytes }

// Packets returns the total packet count.
func (s *StreamStats) Packets() uint64 { return s.packets }
