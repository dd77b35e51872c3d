package relay

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/nullcore1024/RTCPilot/internal/eventlog"
	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/session"
)

// SendRelay is a UDP client that forwards one local user's published RTP to a
// remote subscriber endpoint supplied by the pilot. Inbound traffic is
// RTCP-only: RR, NACK and PLI from the remote instance.
type SendRelay struct {
	roomID       string
	pusherUserID string
	keyframe     KeyFrameRequester
	evl          eventlog.Sink
	log          *logrus.Entry

	conn    *net.UDPConn
	discard int

	// lastSendMs is touched on the send path while timer-driven session work
	// holds the relay lock, hence atomic rather than under mu.
	lastSendMs atomic.Int64

	mu          sync.Mutex
	sessions    map[uint32]*session.SendSession
	rtxToMain   map[uint32]uint32
	ssrc2pusher map[uint32]string
	pushInfos   map[string]model.PushInfo

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSendRelay dials the remote endpoint and starts the RTCP read loop and
// the housekeeping timer.
func NewSendRelay(roomID, pusherUserID, remoteIP string, remotePort uint16, discardPercent int, kf KeyFrameRequester, evl eventlog.Sink, log *logrus.Entry) (*SendRelay, error) {
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid remote relay ip %q", remoteIP)
	}
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: ip, Port: int(remotePort)})
	if err != nil {
		return nil, fmt.Errorf("dial remote relay %s:%d: %w", remoteIP, remotePort, err)
	}
	if evl == nil {
		evl = eventlog.Nop{}
	}
	s := &SendRelay{
		roomID:       roomID,
		pusherUserID: pusherUserID,
		keyframe:     kf,
		evl:          evl,
		conn:         conn,
		discard:      discardPercent,
		sessions:     make(map[uint32]*session.SendSession),
		rtxToMain:    make(map[uint32]uint32),
		ssrc2pusher:  make(map[uint32]string),
		pushInfos:    make(map[string]model.PushInfo),
		closed:       make(chan struct{}),
		log: log.WithFields(logrus.Fields{
			"relay":       "send",
			"room_id":     roomID,
			"pusher_user": pusherUserID,
			"remote":      fmt.Sprintf("%s:%d", remoteIP, remotePort),
		}),
	}
	s.lastSendMs.Store(nowMillis())
	go s.readLoop()
	go s.timerLoop()
	s.log.Infof("send relay started")
	return s, nil
}

// AddPushInfo registers one published track with the relay.
func (s *SendRelay) AddPushInfo(info model.PushInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pushInfos[info.PusherID]; ok {
		return
	}
	s.pushInfos[info.PusherID] = info
	sess := session.NewSendSession(info.RtpParam, s.roomID, "remote_user_id", s.pusherUserID, s, s.log)
	s.sessions[info.RtpParam.SSRC] = sess
	s.ssrc2pusher[info.RtpParam.SSRC] = info.PusherID
	if info.RtpParam.HasRtx() {
		s.sessions[info.RtpParam.RtxSSRC] = sess
		s.rtxToMain[info.RtpParam.RtxSSRC] = info.RtpParam.SSRC
		s.ssrc2pusher[info.RtpParam.RtxSSRC] = info.PusherID
	}
	s.log.Infof("push info added, pusher_id:%s %s", info.PusherID, info.RtpParam.Dump())
}

// HasPusher reports whether the pusher id is already registered.
func (s *SendRelay) HasPusher(pusherID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pushInfos[pusherID]
	return ok
}

// IsConnected reports whether the relay socket is open.
func (s *SendRelay) IsConnected() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

// SendRTP pushes raw RTP toward the remote subscriber endpoint.
func (s *SendRelay) SendRTP(data []byte) { s.write(data) }

// SendRTCP pushes raw RTCP toward the remote subscriber endpoint.
func (s *SendRelay) SendRTCP(data []byte) { s.write(data) }

func (s *SendRelay) write(data []byte) {
	if _, err := s.conn.Write(data); err != nil {
		s.log.Warnf("relay write failed: %v", err)
		return
	}
	s.lastSendMs.Store(nowMillis())
}

// SendRtpPacket demuxes the packet by SSRC; a packet without a matching
// session is refused and never hits the wire.
func (s *SendRelay) SendRtpPacket(pkt *rtp.Packet) int {
	nowMs := nowMillis()
	s.mu.Lock()
	sess, ok := s.sessions[pkt.SSRC]
	s.mu.Unlock()
	if !ok {
		s.log.Warnf("no send session for ssrc:%d", pkt.SSRC)
		return -1
	}
	if !sess.SendRtp(pkt, nowMs) {
		return -1
	}
	if s.discard > 0 && rand.Intn(100) < s.discard {
		return 0
	}
	buf, err := pkt.Marshal()
	if err != nil {
		s.log.Errorf("marshal relay rtp failed: %v", err)
		return -1
	}
	s.SendRTP(buf)
	return 0
}

// IsAlive reports whether the relay sent data within the liveness window.
func (s *SendRelay) IsAlive(nowMs int64) bool {
	return nowMs-s.lastSendMs.Load() <= relayAliveMs
}

// Close stops the loops and releases the socket. Safe to call twice.
func (s *SendRelay) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.log.Infof("send relay closed")
	})
}

func (s *SendRelay) readLoop() {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.log.Warnf("relay read failed: %v", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !isRtcp(data) {
			s.log.Debugf("unexpected non-rtcp datagram from remote subscriber")
			continue
		}
		s.handleRtcp(data)
	}
}

func (s *SendRelay) handleRtcp(data []byte) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		s.log.Warnf("drop corrupt rtcp compound: %v", err)
		return
	}
	nowMs := nowMillis()
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.ReceiverReport:
			s.mu.Lock()
			for _, block := range pkt.Reports {
				if sess, ok := s.sessions[block.SSRC]; ok {
					sess.HandleRrBlock(block)
				}
			}
			s.mu.Unlock()
		case *rtcp.TransportLayerNack:
			s.mu.Lock()
			sess, ok := s.sessions[pkt.MediaSSRC]
			s.mu.Unlock()
			if !ok {
				s.log.Warnf("nack for unknown ssrc:%d", pkt.MediaSSRC)
				continue
			}
			sess.HandleNack(pkt, nowMs)
		case *rtcp.PictureLossIndication:
			s.mu.Lock()
			pusherID := s.ssrc2pusher[pkt.MediaSSRC]
			s.mu.Unlock()
			if pusherID == "" {
				s.log.Warnf("pli for unknown ssrc:%d", pkt.MediaSSRC)
				continue
			}
			s.keyframe.OnKeyFrameRequest(pusherID, "remote_user_id", s.pusherUserID, pkt.MediaSSRC)
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			// Acknowledged, not acted upon.
		default:
			s.log.Debugf("skip rtcp type %T from remote subscriber", p)
		}
	}
}

func (s *SendRelay) timerLoop() {
	ticker := time.NewTicker(sendTimerMs * time.Millisecond)
	defer ticker.Stop()
	var lastStatsMs int64
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			nowMs := nowMillis()
			s.mu.Lock()
			for ssrc, sess := range s.sessions {
				if _, isRtx := s.rtxToMain[ssrc]; isRtx {
					continue
				}
				sess.OnTimer(nowMs)
				if nowMs-lastStatsMs >= statsIntervalMs {
					bitrate, pps := sess.Stats().Rate(nowMs)
					s.evl.Log("relay_send_stats", eventlog.Fields{
						"room_id":     s.roomID,
						"pusher_user": s.pusherUserID,
						"ssrc":        ssrc,
						"bitrate":     bitrate,
						"pps":         pps,
						"packets":     sess.Stats().Packets(),
					})
				}
			}
			if nowMs-lastStatsMs >= statsIntervalMs {
				lastStatsMs = nowMs
			}
			s.mu.Unlock()
		}
	}
}
