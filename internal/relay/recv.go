package relay

import (
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

// RecvRelay is a UDP listener acting as a synthetic local pusher for one
// remote publishing user. Parsed RTP is handed to the sink; outbound RTCP
// (NACK, PLI) goes to the address that first sent us a valid packet.
type RecvRelay struct {
	roomID       string
	pusherUserID string
	sink         PacketSink
	evl          eventlog.Sink
	log          *logrus.Entry

	conn    *net.UDPConn
	discard int

	// remoteAddr is read on the RTCP send path while the relay lock is held
	// by timer-driven session work, hence atomic rather than under mu.
	remoteAddr atomic.Pointer[net.UDPAddr]

	mu          sync.Mutex
	sessions    map[uint32]*session.RecvSession
	rtxToMain   map[uint32]uint32
	ssrc2pusher map[uint32]string
	pushInfos   map[string]model.PushInfo
	lastRtpMs   int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRecvRelay binds a local UDP port from the allocator's range and starts
// the read and timer loops.
func NewRecvRelay(roomID, pusherUserID, bindIP string, alloc *PortAllocator, discardPercent int, sink PacketSink, evl eventlog.Sink, log *logrus.Entry) (*RecvRelay, error) {
	conn, err := listenWithAllocator(bindIP, alloc)
	if err != nil {
		return nil, err
	}
	if evl == nil {
		evl = eventlog.Nop{}
	}
	r := &RecvRelay{
		roomID:       roomID,
		pusherUserID: pusherUserID,
		sink:         sink,
		evl:          evl,
		conn:         conn,
		discard:      discardPercent,
		sessions:     make(map[uint32]*session.RecvSession),
		rtxToMain:    make(map[uint32]uint32),
		ssrc2pusher:  make(map[uint32]string),
		pushInfos:    make(map[string]model.PushInfo),
		lastRtpMs:    nowMillis(),
		closed:       make(chan struct{}),
		log: log.WithFields(logrus.Fields{
			"relay":       "recv",
			"room_id":     roomID,
			"pusher_user": pusherUserID,
			"port":        conn.LocalAddr().(*net.UDPAddr).Port,
		}),
	}
	go r.readLoop()
	go r.timerLoop()
	r.log.Infof("recv relay listening")
	return r, nil
}

// LocalPort returns the bound UDP port, published to the pilot so the
// upstream instance knows where to send.
func (r *RecvRelay) LocalPort() uint16 {
	return uint16(r.conn.LocalAddr().(*net.UDPAddr).Port)
}

// AddVirtualPusher registers one remote track: the PushInfo under its
// pusher id and a receive session under primary (and RTX) SSRC.
func (r *RecvRelay) AddVirtualPusher(info model.PushInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pushInfos[info.PusherID]; ok {
		return
	}
	r.pushInfos[info.PusherID] = info
	sess := session.NewRecvSession(info.RtpParam, r.roomID, r.pusherUserID, r, r.log)
	r.sessions[info.RtpParam.SSRC] = sess
	r.ssrc2pusher[info.RtpParam.SSRC] = info.PusherID
	if info.RtpParam.HasRtx() {
		r.sessions[info.RtpParam.RtxSSRC] = sess
		r.rtxToMain[info.RtpParam.RtxSSRC] = info.RtpParam.SSRC
		r.ssrc2pusher[info.RtpParam.RtxSSRC] = info.PusherID
	}
	r.log.Infof("virtual pusher added, pusher_id:%s %s", info.PusherID, info.RtpParam.Dump())
}

// PusherUserID returns the remote publishing user this relay stands in for.
func (r *RecvRelay) PusherUserID() string { return r.pusherUserID }

// GetPushInfo looks up the registered PushInfo for a pusher id.
func (r *RecvRelay) GetPushInfo(pusherID string) (model.PushInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.pushInfos[pusherID]
	return info, ok
}

// HasPusher reports whether the pusher id is already registered.
func (r *RecvRelay) HasPusher(pusherID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pushInfos[pusherID]
	return ok
}

// PusherIDs returns the registered pusher ids.
func (r *RecvRelay) PusherIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pushInfos))
	for id := range r.pushInfos {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether a remote sender has been learned yet.
func (r *RecvRelay) IsConnected() bool {
	return r.remoteAddr.Load() != nil
}

// SendRTP sends raw RTP back to the learned remote address.
func (r *RecvRelay) SendRTP(data []byte) { r.sendToRemote(data) }

// SendRTCP sends raw RTCP back to the learned remote address.
func (r *RecvRelay) SendRTCP(data []byte) { r.sendToRemote(data) }

func (r *RecvRelay) sendToRemote(data []byte) {
	addr := r.remoteAddr.Load()
	if addr == nil {
		return
	}
	if _, err := r.conn.WriteToUDP(data, addr); err != nil {
		r.log.Warnf("relay write failed: %v", err)
	}
}

// RequestKeyFrame sends a PLI for ssrc to the remote publisher instance.
func (r *RecvRelay) RequestKeyFrame(ssrc uint32) int {
	pli := &rtcp.PictureLossIndication{SenderSSRC: 0, MediaSSRC: ssrc}
	buf, err := rtcp.Marshal([]rtcp.Packet{pli})
	if err != nil {
		r.log.Errorf("marshal pli failed: %v", err)
		return -1
	}
	if !r.IsConnected() {
		return -1
	}
	r.SendRTCP(buf)
	r.log.Debugf("pli sent to remote publisher, ssrc:%d", ssrc)
	return 0
}

// IsAlive reports whether valid RTP arrived within the liveness window.
func (r *RecvRelay) IsAlive(nowMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return nowMs-r.lastRtpMs <= relayAliveMs
}

// Close stops the loops and releases the socket. Safe to call twice.
func (r *RecvRelay) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.conn.Close()
		r.log.Infof("recv relay closed")
	})
}

func (r *RecvRelay) readLoop() {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
				r.log.Warnf("relay read failed: %v", err)
				continue
			}
		}
		if r.discard > 0 && rand.Intn(100) < r.discard {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if isRtcp(data) {
			r.handleRtcp(data, addr)
		} else {
			r.handleRtp(data, addr)
		}
	}
}

func (r *RecvRelay) handleRtp(data []byte, addr *net.UDPAddr) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		r.log.Warnf("drop malformed rtp datagram: %v", err)
		return
	}
	nowMs := nowMillis()

	r.mu.Lock()
	sess, ok := r.sessions[pkt.SSRC]
	if !ok {
		r.mu.Unlock()
		r.log.Warnf("rtp for unknown ssrc:%d", pkt.SSRC)
		return
	}
	if r.remoteAddr.CompareAndSwap(nil, addr) {
		r.log.Infof("remote publisher address learned: %s", addr)
	}
	_, isRtx := r.rtxToMain[pkt.SSRC]
	if isRtx {
		repeat, rtxOk := sess.ReceiveRtx(pkt, len(data), nowMs)
		if !rtxOk || repeat {
			r.mu.Unlock()
			return
		}
	} else if !sess.ReceiveRtp(pkt, len(data), nowMs) {
		r.mu.Unlock()
		return
	}
	r.lastRtpMs = nowMs
	pusherID := r.ssrc2pusher[pkt.SSRC]
	r.mu.Unlock()

	if len(pkt.Payload) == 0 || pusherID == "" {
		return
	}
	r.sink.OnRtpPacketFromRemoteRtcPusher(r.pusherUserID, pusherID, pkt)
}

func (r *RecvRelay) handleRtcp(data []byte, addr *net.UDPAddr) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		r.log.Warnf("drop corrupt rtcp compound: %v", err)
		return
	}
	r.remoteAddr.CompareAndSwap(nil, addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pkts {
		sr, ok := p.(*rtcp.SenderReport)
		if !ok {
			r.log.Debugf("skip rtcp type %T from remote publisher", p)
			continue
		}
		sess, ok := r.sessions[sr.SSRC]
		if !ok {
			r.log.Warnf("sr for unknown ssrc:%d", sr.SSRC)
			continue
		}
		sess.HandleSenderReport(sr)
	}
}

func (r *RecvRelay) timerLoop() {
	ticker := time.NewTicker(recvTimerMs * time.Millisecond)
	defer ticker.Stop()
	var lastStatsMs int64
	for {
		select {
		case <-r.closed:
			return
		case <-ticker.C:
			nowMs := nowMillis()
			r.mu.Lock()
			for ssrc, sess := range r.sessions {
				if _, isRtx := r.rtxToMain[ssrc]; isRtx {
					continue
				}
				sess.OnTimer(nowMs)
				if nowMs-lastStatsMs >= statsIntervalMs {
					bitrate, pps := sess.Stats().Rate(nowMs)
					r.evl.Log("relay_recv_stats", eventlog.Fields{
						"room_id":     r.roomID,
						"pusher_user": r.pusherUserID,
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
			r.mu.Unlock()
		}
	}
}
