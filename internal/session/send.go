package session

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/transport"
)

const (
	rtxCacheSize   = 512
	rtxCacheTTLMs  = 2000
	srIntervalMs   = 1000
)

type cachedPacket struct {
	seq      uint16
	storedMs int64
	data     []byte
}

// SendSession is the send endpoint for one subscription stream. It keeps send
// statistics, caches copies of outgoing packets for NACK-driven
// retransmission, ingests receiver-report blocks, and emits periodic sender
// reports.
type SendSession struct {
	param        model.RtpSessionParam
	roomID       string
	pullerUserID string
	pusherUserID string
	tr           transport.Sender
	log          *logrus.Entry

	stats StreamStats
	cache [rtxCacheSize]*cachedPacket

	packetCount uint32
	octetCount  uint32
	lastRtpTs   uint32
	lastSrMs    int64

	fractionLost uint8
	totalLost    uint32
	rrJitter     uint32
}

// NewSendSession builds a send session bound to tr.
func NewSendSession(param model.RtpSessionParam, roomID, pullerUserID, pusherUserID string, tr transport.Sender, log *logrus.Entry) *SendSession {
	return &SendSession{
		param:        param,
		roomID:       roomID,
		pullerUserID: pullerUserID,
		pusherUserID: pusherUserID,
		tr:           tr,
		log: log.WithFields(logrus.Fields{
			"ssrc": param.SSRC,
			"kind": param.AVType,
		}),
	}
}

// Param returns the negotiated parameters of this session.
func (s *SendSession) Param() model.RtpSessionParam { return s.param }

// Stats exposes the send statistics.
func (s *SendSession) Stats() *StreamStats { return &s.stats }

// SendRtp accounts for one outgoing packet and stores a copy in the
// retransmit cache. It returns false when the packet must not go to the wire
// (empty payload, marshal failure).
func (s *SendSession) SendRtp(pkt *rtp.Packet, nowMs int64) bool {
	if len(pkt.Payload) == 0 {
		return false
	}
	buf, err := pkt.Marshal()
	if err != nil {
		s.log.Errorf("marshal outgoing rtp failed: %v", err)
		return false
	}
	s.stats.Update(len(buf), nowMs)
	s.packetCount++
	s.octetCount += uint32(len(pkt.Payload))
	s.lastRtpTs = pkt.Timestamp

	if s.param.UseNack {
		s.cache[pkt.SequenceNumber%rtxCacheSize] = &cachedPacket{
			seq:      pkt.SequenceNumber,
			storedMs: nowMs,
			data:     buf,
		}
	}
	return true
}

// HandleNack retransmits every cached packet listed in the NACK. It returns
// the number of packets resent.
func (s *SendSession) HandleNack(nack *rtcp.TransportLayerNack, nowMs int64) int {
	if s.tr == nil || !s.tr.IsConnected() {
		return 0
	}
	resent := 0
	for _, pair := range nack.Nacks {
		for _, seq := range pair.PacketList() {
			cp := s.cache[seq%rtxCacheSize]
			if cp == nil || cp.seq != seq {
				continue
			}
			if nowMs-cp.storedMs > rtxCacheTTLMs {
				continue
			}
			s.tr.SendRTP(cp.data)
			resent++
		}
	}
	if resent > 0 {
		s.log.Debugf("retransmitted %d packets on nack", resent)
	}
	return resent
}

// HandleRrBlock ingests one receiver-report block for this SSRC.
func (s *SendSession) HandleRrBlock(block rtcp.ReceptionReport) int {
	if block.SSRC != s.param.SSRC {
		return -1
	}
	s.fractionLost = block.FractionLost
	s.totalLost = block.TotalLost
	s.rrJitter = block.Jitter
	return 0
}

// FractionLost returns the most recent reported loss fraction.
func (s *SendSession) FractionLost() uint8 { return s.fractionLost }

// OnTimer expires stale cache entries and emits a sender report every second.
func (s *SendSession) OnTimer(nowMs int64) {
	for i, cp := range s.cache {
		if cp != nil && nowMs-cp.storedMs > rtxCacheTTLMs {
			s.cache[i] = nil
		}
	}
	if s.packetCount == 0 || nowMs-s.lastSrMs < srIntervalMs {
		return
	}
	if s.tr == nil || !s.tr.IsConnected() {
		return
	}
	s.lastSrMs = nowMs
	sr := &rtcp.SenderReport{
		SSRC:        s.param.SSRC,
		NTPTime:     ntpTime(time.UnixMilli(nowMs)),
		RTPTime:     s.lastRtpTs,
		PacketCount: s.packetCount,
		OctetCount:  s.octetCount,
	}
	buf, err := rtcp.Marshal([]rtcp.Packet{sr})
	if err != nil {
		s.log.Errorf("marshal sender report failed: %v", err)
		return
	}
	s.tr.SendRTCP(buf)
}

// ntpTime converts wall time to the 64-bit NTP format used in sender reports.
func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}
