package room

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nullcore1024/RTCPilot/internal/eventlog"
	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/session"
	"github.com/nullcore1024/RTCPilot/internal/transport"
)

const (
	statsIntervalMs = 5000
	pliIntervalMs   = 8000
)

// pusherSink is the Room hook a MediaPusher fans validated RTP into.
type pusherSink interface {
	OnRtpPacketFromRtcPusher(userID, sessionID, pusherID string, pkt *rtp.Packet)
}

// MediaPusher owns the receive side of one published track: the primary SSRC
// session (which also demuxes the RTX SSRC) plus the PLI cadence for video.
type MediaPusher struct {
	roomID    string
	userID    string
	sessionID string
	pusherID  string
	param     model.RtpSessionParam

	sess *session.RecvSession
	tr   transport.Sender
	sink pusherSink
	evl  eventlog.Sink
	log  *logrus.Entry

	pli         *rate.Limiter
	lastStatsMs int64
}

func newMediaPusher(roomID, userID, sessionID, pusherID string, param model.RtpSessionParam, tr transport.Sender, sink pusherSink, evl eventlog.Sink, log *logrus.Entry) *MediaPusher {
	p := &MediaPusher{
		roomID:    roomID,
		userID:    userID,
		sessionID: sessionID,
		pusherID:  pusherID,
		param:     param,
		tr:        tr,
		sink:      sink,
		evl:       evl,
		sess:      session.NewRecvSession(param, roomID, userID, tr, log),
		log: log.WithFields(logrus.Fields{
			"pusher_id": pusherID,
			"user_id":   userID,
		}),
	}
	if param.AVType == model.MediaVideo && param.KeyRequest {
		p.pli = rate.NewLimiter(rate.Every(pliIntervalMs*time.Millisecond), 1)
		// Drain the initial token: the first cadence PLI waits a full
		// interval after setup.
		p.pli.Allow()
	}
	p.log.Infof("media pusher created, %s", param.Dump())
	return p
}

func (p *MediaPusher) PusherID() string               { return p.pusherID }
func (p *MediaPusher) UserID() string                 { return p.userID }
func (p *MediaPusher) Param() model.RtpSessionParam   { return p.param }
func (p *MediaPusher) MediaType() model.MediaKind     { return p.param.AVType }
func (p *MediaPusher) PushInfo() model.PushInfo {
	return model.PushInfo{PusherID: p.pusherID, RtpParam: p.param}
}

// HandleRtpPacket dispatches one packet by SSRC: primary goes through
// sequence validation and into the Room fan-out, RTX is demuxed first.
// Returns -1 for an SSRC this pusher does not own.
func (p *MediaPusher) HandleRtpPacket(pkt *rtp.Packet, wireSize int, nowMs int64) int {
	switch pkt.SSRC {
	case p.param.SSRC:
		if !p.sess.ReceiveRtp(pkt, wireSize, nowMs) {
			return 0
		}
	case p.param.RtxSSRC:
		if !p.param.HasRtx() {
			return -1
		}
		repeat, ok := p.sess.ReceiveRtx(pkt, wireSize, nowMs)
		if !ok || repeat {
			return 0
		}
	default:
		p.log.Errorf("rtp packet with unknown ssrc:%d", pkt.SSRC)
		return -1
	}
	if len(pkt.Payload) == 0 {
		return 0
	}
	p.sink.OnRtpPacketFromRtcPusher(p.userID, p.sessionID, p.pusherID, pkt)
	return 0
}

// HandleRtcpSrPacket routes a sender report to the receive session.
func (p *MediaPusher) HandleRtcpSrPacket(sr *rtcp.SenderReport) int {
	if sr.SSRC != p.param.SSRC {
		p.log.Errorf("sr with unknown ssrc:%d", sr.SSRC)
		return -1
	}
	return p.sess.HandleSenderReport(sr)
}

// RequestKeyFrame sends an immediate PLI toward the publisher. The ssrc must
// be the primary.
func (p *MediaPusher) RequestKeyFrame(ssrc uint32) int {
	if ssrc != p.param.SSRC {
		p.log.Errorf("keyframe request for unknown ssrc:%d", ssrc)
		return -1
	}
	return p.sendPli()
}

func (p *MediaPusher) sendPli() int {
	if p.tr == nil || !p.tr.IsConnected() {
		return -1
	}
	pli := &rtcp.PictureLossIndication{SenderSSRC: 0, MediaSSRC: p.param.SSRC}
	buf, err := rtcp.Marshal([]rtcp.Packet{pli})
	if err != nil {
		p.log.Errorf("marshal pli failed: %v", err)
		return -1
	}
	p.tr.SendRTCP(buf)
	p.log.Debugf("pli sent, ssrc:%d", p.param.SSRC)
	return 0
}

// OnTimer drives NACK emission, the 5 s statistics report and the periodic
// video PLI.
func (p *MediaPusher) OnTimer(nowMs int64) {
	p.sess.OnTimer(nowMs)
	if nowMs-p.lastStatsMs >= statsIntervalMs {
		p.lastStatsMs = nowMs
		bitrate, pps := p.sess.Stats().Rate(nowMs)
		p.evl.Log("pusher_recv_stats", eventlog.Fields{
			"room_id":   p.roomID,
			"user_id":   p.userID,
			"pusher_id": p.pusherID,
			"ssrc":      p.param.SSRC,
			"bitrate":   bitrate,
			"pps":       pps,
			"packets":   p.sess.Stats().Packets(),
			"jitter":    p.sess.Jitter(),
		})
	}
	if p.pli != nil && p.pli.Allow() {
		p.sendPli()
	}
}
