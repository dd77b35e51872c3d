package session

import (
	"encoding/binary"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/transport"
)

const (
	maxDropout    = 3000
	maxMisorder   = 100
	rtpSeqMod     = 1 << 16
	statsWindowMs = 5000
)

// RecvSession is the receive endpoint for one primary SSRC (and its optional
// RTX SSRC). It validates sequence numbers per RFC 3550 A.1, maintains jitter
// and rate statistics, demuxes RTX, and issues NACKs through the transport.
type RecvSession struct {
	param  model.RtpSessionParam
	roomID string
	userID string
	tr     transport.Sender
	log    *logrus.Entry

	firstPkt   bool
	cycles     uint32
	baseSeq    uint32
	maxSeq     uint16
	badSeq     uint32
	discarded  uint64

	maxPacketTs uint32
	maxPacketMs int64
	jitterQ4    uint32

	stats StreamStats
	nack  *nackGenerator

	lastSrNtp     uint64
	lastSrArrival int64
}

// NewRecvSession builds a receive session for param's primary SSRC.
func NewRecvSession(param model.RtpSessionParam, roomID, userID string, tr transport.Sender, log *logrus.Entry) *RecvSession {
	s := &RecvSession{
		param:    param,
		roomID:   roomID,
		userID:   userID,
		tr:       tr,
		firstPkt: true,
		log: log.WithFields(logrus.Fields{
			"ssrc": param.SSRC,
			"kind": param.AVType,
		}),
	}
	if param.UseNack {
		s.nack = newNackGenerator()
	}
	return s
}

// Param returns the negotiated parameters of this session.
func (s *RecvSession) Param() model.RtpSessionParam { return s.param }

// Stats exposes the receive statistics.
func (s *RecvSession) Stats() *StreamStats { return &s.stats }

func (s *RecvSession) initSeq(seq uint16) {
	s.baseSeq = uint32(seq)
	s.maxSeq = seq
	s.badSeq = rtpSeqMod + 1
	s.cycles = 0
}

// updateSeq is the RFC 3550 appendix A.1 validity check.
func (s *RecvSession) updateSeq(seq uint16) bool {
	udelta := seq - s.maxSeq

	if s.firstPkt {
		s.firstPkt = false
		s.initSeq(seq)
		return true
	}

	switch {
	case udelta < maxDropout:
		if seq < s.maxSeq {
			s.cycles += rtpSeqMod
		}
		s.maxSeq = seq
	case udelta <= rtpSeqMod-maxMisorder:
		// Large jump: either the stream restarted or the packet is bogus.
		if uint32(seq) == s.badSeq {
			s.initSeq(seq)
		} else {
			s.badSeq = uint32(seq+1) & (rtpSeqMod - 1)
			s.discarded++
			return false
		}
	default:
		// Duplicate or reordered packet; still counted.
	}
	return true
}

func (s *RecvSession) updateJitter(rtpTs uint32, nowMs int64) {
	if s.param.ClockRate == 0 {
		return
	}
	if s.maxPacketMs != 0 {
		transitMs := (nowMs - s.maxPacketMs) - int64(rtpTs-s.maxPacketTs)*1000/int64(s.param.ClockRate)
		if transitMs < 0 {
			transitMs = -transitMs
		}
		d := int64(uint32(transitMs) * s.param.ClockRate / 1000)
		j := int64(s.jitterQ4) + d<<4 - int64(s.jitterQ4+8)>>4
		if j < 0 {
			j = 0
		}
		s.jitterQ4 = uint32(j)
	}
	if rtpTs >= s.maxPacketTs {
		s.maxPacketTs = rtpTs
		s.maxPacketMs = nowMs
	}
}

// Jitter returns the interarrival jitter in clock-rate units.
func (s *RecvSession) Jitter() uint32 { return s.jitterQ4 >> 4 }

// ReceiveRtp processes one packet on the primary SSRC. It returns false when
// the packet fails sequence validation and must be dropped.
func (s *RecvSession) ReceiveRtp(pkt *rtp.Packet, wireSize int, nowMs int64) bool {
	if !s.updateSeq(pkt.SequenceNumber) {
		s.log.Warnf("rtp seq validation failed, seq:%d", pkt.SequenceNumber)
		return false
	}
	s.updateJitter(pkt.Timestamp, nowMs)
	s.stats.Update(wireSize, nowMs)
	if s.nack != nil {
		s.nack.onPacket(pkt.SequenceNumber, nowMs)
	}
	return true
}

// ReceiveRtx demuxes one RTX packet in place: the packet is rewritten to the
// primary SSRC/payload type and the original sequence number recovered from
// the first two payload bytes. repeat is true when the recovered packet was
// already received.
func (s *RecvSession) ReceiveRtx(pkt *rtp.Packet, wireSize int, nowMs int64) (repeat bool, ok bool) {
	if len(pkt.Payload) < 2 {
		return false, false
	}
	if pkt.SSRC != s.param.RtxSSRC || pkt.PayloadType != s.param.RtxPayloadType {
		return false, false
	}
	osn := binary.BigEndian.Uint16(pkt.Payload[:2])
	pkt.SSRC = s.param.SSRC
	pkt.PayloadType = s.param.PayloadType
	pkt.SequenceNumber = osn
	pkt.Payload = pkt.Payload[2:]

	s.stats.Update(wireSize, nowMs)
	if s.nack != nil {
		repeat = s.nack.onPacket(osn, nowMs)
	}
	return repeat, true
}

// HandleSenderReport records SR timing for jitter/RR bookkeeping.
func (s *RecvSession) HandleSenderReport(sr *rtcp.SenderReport) int {
	if sr.SSRC != s.param.SSRC {
		return -1
	}
	s.lastSrNtp = sr.NTPTime
	s.lastSrArrival = nowMillis()
	return 0
}

// ExpectedPackets returns the RFC 3550 extended packet expectation.
func (s *RecvSession) ExpectedPackets() int64 {
	if s.firstPkt {
		return 0
	}
	return int64(s.cycles) + int64(s.maxSeq) - int64(s.baseSeq) + 1
}

// OnTimer emits pending NACKs. The relay and pusher timers drive it.
func (s *RecvSession) OnTimer(nowMs int64) {
	if s.nack == nil || s.tr == nil || !s.tr.IsConnected() {
		return
	}
	seqs := s.nack.due(nowMs)
	if len(seqs) == 0 {
		return
	}
	pkt := &rtcp.TransportLayerNack{
		MediaSSRC: s.param.SSRC,
		Nacks:     rtcp.NackPairsFromSequenceNumbers(seqs),
	}
	buf, err := rtcp.Marshal([]rtcp.Packet{pkt})
	if err != nil {
		s.log.Errorf("marshal nack failed: %v", err)
		return
	}
	s.log.Debugf("send nack for %d packets", len(seqs))
	s.tr.SendRTCP(buf)
}
