package room

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/nullcore1024/RTCPilot/internal/eventlog"
	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/sdp"
	"github.com/nullcore1024/RTCPilot/internal/session"
	"github.com/nullcore1024/RTCPilot/internal/transport"
)

// MediaPuller owns the send side of one subscription: it forwards the
// publisher's RTP (same SSRC) to one subscriber, remapping header-extension
// IDs to what the subscriber negotiated.
type MediaPuller struct {
	roomID       string
	pusherID     string
	pusherUserID string
	pullerUserID string
	sessionID    string
	pullerID     string

	pusherParam model.RtpSessionParam
	extIDs      sdp.ExtensionIDs

	sess *session.SendSession
	tr   transport.Sender
	evl  eventlog.Sink
	log  *logrus.Entry

	lastStatsMs int64
}

func newMediaPuller(roomID, pusherID, pusherUserID, pullerUserID, sessionID, pullerID string, pusherParam model.RtpSessionParam, extIDs sdp.ExtensionIDs, tr transport.Sender, evl eventlog.Sink, log *logrus.Entry) *MediaPuller {
	p := &MediaPuller{
		roomID:       roomID,
		pusherID:     pusherID,
		pusherUserID: pusherUserID,
		pullerUserID: pullerUserID,
		sessionID:    sessionID,
		pullerID:     pullerID,
		pusherParam:  pusherParam,
		extIDs:       extIDs,
		tr:           tr,
		evl:          evl,
		sess:         session.NewSendSession(pusherParam, roomID, pullerUserID, pusherUserID, tr, log),
		log: log.WithFields(logrus.Fields{
			"puller_id":   pullerID,
			"pusher_id":   pusherID,
			"puller_user": pullerUserID,
		}),
	}
	p.log.Infof("media puller created, %s", pusherParam.Dump())
	return p
}

func (p *MediaPuller) PullerID() string             { return p.pullerID }
func (p *MediaPuller) PusherID() string             { return p.pusherID }
func (p *MediaPuller) PullerUserID() string         { return p.pullerUserID }
func (p *MediaPuller) Param() model.RtpSessionParam { return p.pusherParam }

// OnTransportSendRtp forwards one borrowed packet to the subscriber. The
// packet is cloned before any mutation; the caller keeps ownership of src.
func (p *MediaPuller) OnTransportSendRtp(src *rtp.Packet, nowMs int64) int {
	if p.tr == nil || !p.tr.IsConnected() || len(src.Payload) == 0 {
		return 0
	}
	pkt := src.Clone()
	p.rewriteExtensions(pkt)
	if !p.sess.SendRtp(pkt, nowMs) {
		return 0
	}
	buf, err := pkt.Marshal()
	if err != nil {
		p.log.Errorf("marshal outgoing rtp failed: %v", err)
		return -1
	}
	p.tr.SendRTP(buf)
	return 0
}

// rewriteExtensions remaps publisher-side extension IDs to the subscriber's,
// preserving the carried values.
func (p *MediaPuller) rewriteExtensions(pkt *rtp.Packet) {
	remap := [][2]int{
		{p.pusherParam.MidExtID, p.extIDs.Mid},
		{p.pusherParam.TccExtID, p.extIDs.Tcc},
		{p.pusherParam.AbsSendTimeExtID, p.extIDs.AbsSendTime},
	}
	for _, pair := range remap {
		srcID, dstID := pair[0], pair[1]
		if srcID <= 0 || dstID <= 0 || srcID == dstID {
			continue
		}
		val := pkt.Header.GetExtension(uint8(srcID))
		if val == nil {
			continue
		}
		if err := pkt.Header.DelExtension(uint8(srcID)); err != nil {
			p.log.Warnf("drop extension id %d failed: %v", srcID, err)
			continue
		}
		if err := pkt.Header.SetExtension(uint8(dstID), val); err != nil {
			p.log.Warnf("rewrite extension id %d->%d failed: %v", srcID, dstID, err)
		}
	}
}

// HandleRtcpRrBlock ingests one receiver-report block from the subscriber.
func (p *MediaPuller) HandleRtcpRrBlock(block rtcp.ReceptionReport) int {
	return p.sess.HandleRrBlock(block)
}

// HandleRtcpFbNack retransmits from the send-session cache.
func (p *MediaPuller) HandleRtcpFbNack(nack *rtcp.TransportLayerNack, nowMs int64) int {
	return p.sess.HandleNack(nack, nowMs)
}

// OnTimer reports send statistics every 5 s and always forwards the tick to
// the send session, which drives sender reports and cache expiry.
func (p *MediaPuller) OnTimer(nowMs int64) {
	p.sess.OnTimer(nowMs)
	if nowMs-p.lastStatsMs >= statsIntervalMs {
		p.lastStatsMs = nowMs
		bitrate, pps := p.sess.Stats().Rate(nowMs)
		p.evl.Log("puller_send_stats", eventlog.Fields{
			"room_id":     p.roomID,
			"puller_id":   p.pullerID,
			"pusher_id":   p.pusherID,
			"puller_user": p.pullerUserID,
			"ssrc":        p.pusherParam.SSRC,
			"bitrate":     bitrate,
			"pps":         pps,
			"packets":     p.sess.Stats().Packets(),
			"lost":        p.sess.FractionLost(),
		})
	}
}
