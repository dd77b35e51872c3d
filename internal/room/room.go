// Package room implements the conference controller and its forwarding
// units. A Room owns the participants of one logical conference, the
// MediaPusher/MediaPuller topology between them, and the UDP relays that
// bridge media to peer instances, coordinated through the pilot service.
package room

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/nullcore1024/RTCPilot/internal/eventlog"
	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/protoo"
	"github.com/nullcore1024/RTCPilot/internal/relay"
	"github.com/nullcore1024/RTCPilot/internal/sdp"
	"github.com/nullcore1024/RTCPilot/internal/transport"
)

const (
	roomAliveMs = 90000
	roomTimerMs = 1000
)

// PilotClient is the Room's outbound edge toward the pilot coordination
// service. Requests are asynchronous; responses come back through
// OnAsyncRequestResponse.
type PilotClient interface {
	AsyncRequest(roomID, method string, data any)
	AsyncNotification(method string, data any)
}

// Options carries the per-instance settings every Room shares.
type Options struct {
	RelayBindIP        string
	AdvertiseIP        string
	Candidates         []sdp.Candidate
	RecvDiscardPercent int
	SendDiscardPercent int
	Ports              *relay.PortAllocator

	// Fingerprint is the instance DTLS certificate fingerprint rendered into
	// every answer.
	Fingerprint string

	// Transport builds the WebRTC-side sender for a signaling session. Nil
	// means media stays undeliverable until a real transport is attached,
	// which matches the pre-ICE state.
	Transport func(roomID, userID, sessionID string, ident transport.ICEIdentity) transport.Sender

	EventLog eventlog.Sink
	Logger   *logrus.Entry
}

// Room is the controller for one conference. All public operations and the
// 1 s timer serialize on one mutex; RTP fan-out happens inline under it, so
// subscribers observe each source's packets in arrival order.
type Room struct {
	mu     sync.Mutex
	roomID string
	pilot  PilotClient
	opts   Options
	evl    eventlog.Sink
	log    *logrus.Entry

	users              map[string]*RtcUser
	pushers            map[string]*MediaPusher
	ssrc2pusher        map[uint32]string
	pusher2pullers     map[string]map[string]*MediaPuller
	sendRelays         map[string]*relay.SendRelay
	recvRelaysByPusher map[string]*relay.RecvRelay
	recvRelaysByUser   map[string]*relay.RecvRelay

	lastAliveMs int64
	closed      bool

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewRoom builds a room and starts its liveness timer.
func NewRoom(roomID string, pilot PilotClient, opts Options) *Room {
	evl := opts.EventLog
	if evl == nil {
		evl = eventlog.Nop{}
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		log = logrus.NewEntry(l)
	}
	r := &Room{
		roomID:             roomID,
		pilot:              pilot,
		opts:               opts,
		evl:                evl,
		log:                log.WithField("room_id", roomID),
		users:              make(map[string]*RtcUser),
		pushers:            make(map[string]*MediaPusher),
		ssrc2pusher:        make(map[uint32]string),
		pusher2pullers:     make(map[string]map[string]*MediaPuller),
		sendRelays:         make(map[string]*relay.SendRelay),
		recvRelaysByPusher: make(map[string]*relay.RecvRelay),
		recvRelaysByUser:   make(map[string]*relay.RecvRelay),
		lastAliveMs:        time.Now().UnixMilli(),
		closedCh:           make(chan struct{}),
	}
	r.log.Infof("room created")
	go r.timerLoop()
	return r
}

func (r *Room) RoomID() string { return r.roomID }

// IsAlive reports whether the room saw local activity inside its 90 s window.
func (r *Room) IsAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().UnixMilli()-r.lastAliveMs < roomAliveMs
}

// Stats is a point-in-time census used by metrics collection.
type Stats struct {
	Users      int
	Pushers    int
	Pullers    int
	SendRelays int
	RecvRelays int
}

func (r *Room) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Users:      len(r.users),
		Pushers:    len(r.pushers),
		SendRelays: len(r.sendRelays),
		RecvRelays: len(r.recvRelaysByUser),
	}
	for _, pullers := range r.pusher2pullers {
		s.Pullers += len(pullers)
	}
	return s
}

// Close tears the room down: relays stopped, timer cancelled, late pilot
// responses dropped.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		sendRelays := r.sendRelays
		recvRelays := r.recvRelaysByUser
		r.sendRelays = make(map[string]*relay.SendRelay)
		r.recvRelaysByUser = make(map[string]*relay.RecvRelay)
		r.recvRelaysByPusher = make(map[string]*relay.RecvRelay)
		r.mu.Unlock()

		close(r.closedCh)
		for _, sr := range sendRelays {
			sr.Close()
		}
		for _, rr := range recvRelays {
			rr.Close()
		}
		r.log.Infof("room closed")
	})
}

// UserJoin admits a local user, or rebinds a returning one. The response is
// the roster of the other participants with their published tracks.
func (r *Room) UserJoin(userID, userName string, reqID int64, resp protoo.ResponseSender) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Errorf("room is closed, join refused, user_id:%s", userID)
		return -1
	}
	now := time.Now().UnixMilli()
	r.lastAliveMs = now

	if u, ok := r.users[userID]; ok {
		r.log.Warnf("user already in room, treating as reconnect, user_id:%s", userID)
		r.evl.Log("join", eventlog.Fields{"room_id": r.roomID, "user_id": userID, "reconnect": true})
		return r.reconnectLocked(u, reqID, resp, now)
	}

	u := newRtcUser(r.roomID, userID, userName, resp)
	r.users[userID] = u
	r.evl.Log("join", eventlog.Fields{"room_id": r.roomID, "user_id": userID, "reconnect": false})
	r.log.Infof("user joined, user_id:%s, user_name:%s", userID, userName)

	if r.pilot != nil {
		r.pilot.AsyncRequest(r.roomID, "join", map[string]any{
			"roomId":   r.roomID,
			"userId":   userID,
			"userName": userName,
		})
	}
	resp.Respond(reqID, joinResponse{Code: 0, Message: "join success", Users: r.rosterLocked(userID)})
	r.notifyNewUserLocked(userID)
	return 0
}

func (r *Room) reconnectLocked(u *RtcUser, reqID int64, resp protoo.ResponseSender, nowMs int64) int {
	u.SetResponder(resp)
	u.UpdateHeartbeat(nowMs)
	resp.Respond(reqID, joinResponse{Code: 0, Message: "reconnect success", Users: r.rosterLocked(u.UserID())})

	evt := userEvent{UserID: u.UserID(), RoomID: r.roomID}
	r.notifyLocalsLocked("userReConnect", evt, u.UserID())
	if r.pilot != nil {
		r.pilot.AsyncNotification("userReConnect", evt)
	}
	return 0
}

// UserLeave detaches the user's signaling channel and tells everyone. The
// entry itself is reaped by the liveness timer.
func (r *Room) UserLeave(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userLeaveLocked(userID)
}

func (r *Room) userLeaveLocked(userID string) int {
	u, ok := r.users[userID]
	if !ok {
		r.log.Errorf("user not found, cannot leave, user_id:%s", userID)
		return -1
	}
	u.ClearResponder()
	r.log.Infof("user left, user_id:%s", userID)
	r.evl.Log("userLeave", eventlog.Fields{"room_id": r.roomID, "user_id": userID})

	evt := userEvent{UserID: userID, RoomID: r.roomID}
	r.notifyLocalsLocked("userLeave", evt, userID)
	if r.pilot != nil {
		r.pilot.AsyncNotification("userLeave", map[string]any{"roomId": r.roomID, "userId": userID})
	}
	return 0
}

// DisconnectUser is UserLeave with disconnect semantics: the user may come
// back via a reconnecting join.
func (r *Room) DisconnectUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		r.log.Errorf("user not found, cannot disconnect, user_id:%s", userID)
		return -1
	}
	u.ClearResponder()
	r.log.Infof("user disconnected, user_id:%s", userID)
	r.evl.Log("userDisconnect", eventlog.Fields{"room_id": r.roomID, "user_id": userID})

	evt := userEvent{UserID: userID, RoomID: r.roomID}
	r.notifyLocalsLocked("userDisconnect", evt, userID)
	if r.pilot != nil {
		r.pilot.AsyncNotification("userDisconnect", map[string]any{"roomId": r.roomID, "userId": userID})
	}
	return 0
}

// HandleWsHeartbeat refreshes the user's and the room's liveness clocks.
func (r *Room) HandleWsHeartbeat(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		r.log.Errorf("heartbeat from unknown user_id:%s", userID)
		return -1
	}
	now := time.Now().UnixMilli()
	u.UpdateHeartbeat(now)
	r.lastAliveMs = now
	return 0
}

// HandleTextMessage fans a chat message to local peers and to the pilot for
// cross-instance delivery.
func (r *Room) HandleTextMessage(userID, message string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		r.log.Errorf("text message from unknown user_id:%s", userID)
		return -1
	}
	payload := textMessageEvent{
		RoomID:   r.roomID,
		UserID:   userID,
		UserName: u.UserName(),
		Message:  message,
	}
	r.notifyLocalsLocked("textMessage", payload, userID)
	if r.pilot != nil {
		r.pilot.AsyncNotification("textMessage", payload)
	}
	return 0
}

// HandlePushSdp negotiates a publish: parse the offer, answer passive +
// recvonly with our ICE identity and candidates, and register one
// MediaPusher per negotiated track.
func (r *Room) HandlePushSdp(userID, sdpType, sdpStr string, reqID int64, resp protoo.ResponseSender) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return -1
	}
	now := time.Now().UnixMilli()
	r.lastAliveMs = now
	u, ok := r.users[userID]
	if !ok {
		r.log.Errorf("push from unknown user_id:%s", userID)
		return -1
	}
	r.evl.Log("pushSdp", eventlog.Fields{"room_id": r.roomID, "user_id": userID})

	offer, err := sdp.Parse(sdpType, sdpStr)
	if err != nil {
		r.log.Errorf("parse push offer failed, user_id:%s: %v", userID, err)
		return -1
	}
	params, err := sdp.ExtractParams(offer)
	if err != nil {
		r.log.Errorf("no usable rtp params in push offer, user_id:%s: %v", userID, err)
		return -1
	}
	for _, param := range params {
		if r.ssrcInUseLocked(param.SSRC) || (param.HasRtx() && r.ssrcInUseLocked(param.RtxSSRC)) {
			r.log.Errorf("ssrc collision in push offer, user_id:%s, ssrc:%d", userID, param.SSRC)
			return -1
		}
	}

	ident := transport.NewICEIdentity(r.opts.Fingerprint)
	answer, err := sdp.BuildAnswer(offer, sdp.DirectionRecvOnly, ident, r.opts.Candidates)
	if err != nil {
		r.log.Errorf("build push answer failed, user_id:%s: %v", userID, err)
		return -1
	}
	answerStr, err := sdp.Marshal(answer)
	if err != nil {
		r.log.Errorf("marshal push answer failed, user_id:%s: %v", userID, err)
		return -1
	}

	sessionID := uuid.NewString()
	tr := r.newTransport(userID, sessionID, ident)
	pushInfos := make([]model.PushInfo, 0, len(params))
	for _, param := range params {
		pusherID := uuid.NewString()
		pusher := newMediaPusher(r.roomID, userID, sessionID, pusherID, param, tr, r, r.evl, r.log)
		r.pushers[pusherID] = pusher
		r.ssrc2pusher[param.SSRC] = pusherID
		if param.HasRtx() {
			r.ssrc2pusher[param.RtxSSRC] = pusherID
		}
		info := model.PushInfo{PusherID: pusherID, RtpParam: param}
		u.AddPusher(pusherID, info)
		pushInfos = append(pushInfos, info)
	}
	u.UpdateHeartbeat(now)

	resp.Respond(reqID, sdpResponse{Code: 0, Message: "push success", Sdp: answerStr})
	r.notifyNewPusherLocked(userID, u.UserName(), pushInfos)
	if r.pilot != nil {
		r.pilot.AsyncNotification("push", newPusherEvent{
			RoomID:  r.roomID,
			UserID:  userID,
			Pushers: pushInfos,
		})
	}
	return 0
}

// HandlePullSdp negotiates a subscription to local pushers. The subscriber
// inherits each publisher's SSRC; the answer is rewritten accordingly.
func (r *Room) HandlePullSdp(pull model.PullRequestInfo, sdpType, sdpStr string, reqID int64, resp protoo.ResponseSender) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return -1
	}
	r.lastAliveMs = time.Now().UnixMilli()
	r.log.Infof("pull sdp, %s", pull.Dump())
	r.evl.Log("pullSdp", eventlog.Fields{"room_id": r.roomID, "src_user": pull.SrcUserID, "target_user": pull.TargetUserID})

	if _, ok := r.users[pull.TargetUserID]; !ok {
		r.log.Errorf("target pusher user not found, user_id:%s", pull.TargetUserID)
		return -1
	}
	return r.buildPullLocked(pull, sdpType, sdpStr, reqID, resp, func(pusherID string) (model.RtpSessionParam, bool) {
		pusher, ok := r.pushers[pusherID]
		if !ok {
			return model.RtpSessionParam{}, false
		}
		return pusher.Param(), true
	})
}

// HandleRemotePullSdp subscribes a local user to a remote publisher: ensure
// the recv relay exists (announcing our UDP endpoint through the pilot) and
// then negotiate like a local pull, resolving track params from the relay.
// Per-pusher failures are tolerated; one bad pusher never fails the whole
// subscription.
func (r *Room) HandleRemotePullSdp(pusherUserID string, pull model.PullRequestInfo, sdpType, sdpStr string, reqID int64, resp protoo.ResponseSender) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return -1
	}
	r.lastAliveMs = time.Now().UnixMilli()
	r.log.Infof("remote pull sdp, pusher_user_id:%s, %s", pusherUserID, pull.Dump())
	r.evl.Log("remotePullSdp", eventlog.Fields{"room_id": r.roomID, "pusher_user": pusherUserID, "src_user": pull.SrcUserID})

	pubUser := r.users[pusherUserID]
	for _, pi := range pull.Pushers {
		if pubUser == nil {
			r.log.Errorf("remote publisher user not found, user_id:%s", pusherUserID)
			continue
		}
		full, ok := pubUser.GetPusher(pi.PusherID)
		if !ok {
			r.log.Errorf("pusher not found for remote pull, pusher_id:%s, user_id:%s", pi.PusherID, pusherUserID)
			continue
		}
		if r.pullRemotePusherLocked(pusherUserID, full) < 0 {
			r.log.Errorf("pull remote pusher failed, pusher_id:%s, user_id:%s", full.PusherID, pusherUserID)
		}
	}

	return r.buildPullLocked(pull, sdpType, sdpStr, reqID, resp, func(pusherID string) (model.RtpSessionParam, bool) {
		rly, ok := r.recvRelaysByPusher[pusherID]
		if !ok {
			return model.RtpSessionParam{}, false
		}
		info, ok := rly.GetPushInfo(pusherID)
		if !ok {
			return model.RtpSessionParam{}, false
		}
		return info.RtpParam, true
	})
}

// HandlePull routes a subscription to the local or the remote negotiation
// path depending on where the publishing user lives.
func (r *Room) HandlePull(pull model.PullRequestInfo, sdpType, sdpStr string, reqID int64, resp protoo.ResponseSender) int {
	r.mu.Lock()
	u, ok := r.users[pull.TargetUserID]
	remote := ok && u.IsRemote()
	r.mu.Unlock()
	if !ok {
		r.log.Errorf("pull target user not found, user_id:%s", pull.TargetUserID)
		return -1
	}
	if remote {
		return r.HandleRemotePullSdp(pull.TargetUserID, pull, sdpType, sdpStr, reqID, resp)
	}
	return r.HandlePullSdp(pull, sdpType, sdpStr, reqID, resp)
}

// buildPullLocked is the shared pull negotiation: resolve each requested
// pusher's params through lookup, create MediaPullers, rewrite the answer.
func (r *Room) buildPullLocked(pull model.PullRequestInfo, sdpType, sdpStr string, reqID int64, resp protoo.ResponseSender, lookup func(pusherID string) (model.RtpSessionParam, bool)) int {
	offer, err := sdp.Parse(sdpType, sdpStr)
	if err != nil {
		r.log.Errorf("parse pull offer failed, user_id:%s: %v", pull.SrcUserID, err)
		return -1
	}
	ident := transport.NewICEIdentity(r.opts.Fingerprint)
	answer, err := sdp.BuildAnswer(offer, sdp.DirectionSendOnly, ident, r.opts.Candidates)
	if err != nil {
		r.log.Errorf("build pull answer failed, user_id:%s: %v", pull.SrcUserID, err)
		return -1
	}
	extIDs := sdp.ExtensionIDsByKind(offer)

	sessionID := uuid.NewString()
	tr := r.newTransport(pull.SrcUserID, sessionID, ident)
	var created []*MediaPuller
	for _, pi := range pull.Pushers {
		param, ok := lookup(pi.PusherID)
		if !ok {
			r.log.Errorf("pusher not found for pull, pusher_id:%s, user_id:%s", pi.PusherID, pull.SrcUserID)
			continue
		}
		pullerID := uuid.NewString()
		mp := newMediaPuller(r.roomID, pi.PusherID, pull.TargetUserID, pull.SrcUserID, sessionID, pullerID,
			param, extIDs[param.AVType], tr, r.evl, r.log)
		created = append(created, mp)
	}
	if len(created) == 0 {
		r.log.Errorf("no pullers created for pull, user_id:%s", pull.SrcUserID)
		return -1
	}

	params := make([]model.RtpSessionParam, 0, len(created))
	for _, mp := range created {
		params = append(params, mp.Param())
	}
	if err := sdp.RewriteForPullers(answer, params); err != nil {
		r.log.Errorf("rewrite pull answer failed, user_id:%s: %v", pull.SrcUserID, err)
		return -1
	}
	answerStr, err := sdp.Marshal(answer)
	if err != nil {
		r.log.Errorf("marshal pull answer failed, user_id:%s: %v", pull.SrcUserID, err)
		return -1
	}

	for _, mp := range created {
		pullers := r.pusher2pullers[mp.PusherID()]
		if pullers == nil {
			pullers = make(map[string]*MediaPuller)
			r.pusher2pullers[mp.PusherID()] = pullers
		}
		pullers[mp.PullerID()] = mp
	}
	resp.Respond(reqID, sdpResponse{Code: 0, Message: "pull success", Sdp: answerStr})
	return 0
}

// pullRemotePusherLocked ensures a recv relay covers the remote pusher and
// announces our UDP endpoint to the pilot.
func (r *Room) pullRemotePusherLocked(pusherUserID string, info model.PushInfo) int {
	rly, err := r.createOrGetRecvRelayLocked(pusherUserID, info)
	if err != nil {
		r.log.Errorf("create recv relay failed, pusher_user_id:%s: %v", pusherUserID, err)
		return -1
	}
	rly.AddVirtualPusher(info)
	r.evl.Log("pullRemoteStream", eventlog.Fields{
		"room_id":     r.roomID,
		"pusher_user": pusherUserID,
		"pusher_id":   info.PusherID,
		"udp_port":    rly.LocalPort(),
	})
	if r.pilot != nil {
		r.pilot.AsyncNotification("pullRemoteStream", map[string]any{
			"roomId":         r.roomID,
			"pusher_user_id": pusherUserID,
			"udp_ip":         r.opts.AdvertiseIP,
			"udp_port":       rly.LocalPort(),
			"mediaType":      info.RtpParam.AVType,
			"pushInfo":       info,
		})
	}
	return 0
}

// CreateOrGetRecvRelay is the exported wrapper for tests and the handler
// layer; relays are one per remote publishing user, registered under every
// pusher id they carry.
func (r *Room) CreateOrGetRecvRelay(pusherUserID string, info model.PushInfo) (*relay.RecvRelay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createOrGetRecvRelayLocked(pusherUserID, info)
}

func (r *Room) createOrGetRecvRelayLocked(pusherUserID string, info model.PushInfo) (*relay.RecvRelay, error) {
	rly := r.recvRelaysByUser[pusherUserID]
	if rly == nil {
		var err error
		rly, err = relay.NewRecvRelay(r.roomID, pusherUserID, r.opts.RelayBindIP, r.opts.Ports,
			r.opts.RecvDiscardPercent, r, r.evl, r.log)
		if err != nil {
			return nil, err
		}
		r.recvRelaysByUser[pusherUserID] = rly
	}
	r.recvRelaysByPusher[info.PusherID] = rly
	return rly, nil
}

// OnRtpPacketFromRtcPusher fans one local publisher packet out to every
// subscriber of the pusher and, when a peer instance consumes this user's
// media, to its send relay.
func (r *Room) OnRtpPacketFromRtcPusher(userID, sessionID, pusherID string, pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UnixMilli()
	if u, ok := r.users[userID]; ok {
		u.UpdateHeartbeat(now)
	}
	for _, mp := range r.pusher2pullers[pusherID] {
		mp.OnTransportSendRtp(pkt, now)
		if pu, ok := r.users[mp.PullerUserID()]; ok {
			pu.UpdateHeartbeat(now)
		}
	}
	if sr, ok := r.sendRelays[userID]; ok {
		sr.SendRtpPacket(pkt)
	}
}

// OnRtpPacketFromRemoteRtcPusher is the recv-relay counterpart: same
// fan-out, the publishing (remote) user's heartbeat refreshed, no send-relay
// hop.
func (r *Room) OnRtpPacketFromRemoteRtcPusher(pusherUserID, pusherID string, pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UnixMilli()
	if u, ok := r.users[pusherUserID]; ok {
		u.UpdateHeartbeat(now)
	}
	pullers := r.pusher2pullers[pusherID]
	if len(pullers) == 0 {
		r.log.Debugf("no pullers for remote pusher_id:%s", pusherID)
		return
	}
	for _, mp := range pullers {
		mp.OnTransportSendRtp(pkt, now)
		if pu, ok := r.users[mp.PullerUserID()]; ok {
			pu.UpdateHeartbeat(now)
		}
	}
}

// OnPushClose drops a pusher, its SSRC registrations and its subscriber
// entries. Idempotent.
func (r *Room) OnPushClose(pusherID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropPusherLocked(pusherID)
}

// OnPullClose drops one subscription wherever it is tracked. Idempotent.
func (r *Room) OnPullClose(pullerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pusherID, pullers := range r.pusher2pullers {
		if _, ok := pullers[pullerID]; ok {
			delete(pullers, pullerID)
			if len(pullers) == 0 {
				delete(r.pusher2pullers, pusherID)
			}
			return
		}
	}
}

// OnKeyFrameRequest routes a PLI to the publisher: a local MediaPusher when
// the publishing user is local, otherwise the recv relay bridging them.
func (r *Room) OnKeyFrameRequest(pusherID, pullerUserID, pusherUserID string, ssrc uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Infof("keyframe request, pusher_id:%s, puller_user:%s, pusher_user:%s, ssrc:%d",
		pusherID, pullerUserID, pusherUserID, ssrc)
	if u, ok := r.users[pusherUserID]; ok && !u.IsRemote() {
		pusher, ok := r.pushers[pusherID]
		if !ok {
			r.log.Errorf("pusher not found for keyframe request, pusher_id:%s", pusherID)
			return -1
		}
		return pusher.RequestKeyFrame(ssrc)
	}
	rly, ok := r.recvRelaysByUser[pusherUserID]
	if !ok {
		r.log.Errorf("recv relay not found for keyframe request, pusher_user_id:%s", pusherUserID)
		return -1
	}
	return rly.RequestKeyFrame(ssrc)
}

// GetPusher returns a registered pusher, for the handler layer's RTCP
// routing.
func (r *Room) GetPusher(pusherID string) (*MediaPusher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pushers[pusherID]
	return p, ok
}

// GetUser returns a participant record.
func (r *Room) GetUser(userID string) (*model.UserSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	snap := u.Snapshot()
	return &snap, true
}

func (r *Room) ssrcInUseLocked(ssrc uint32) bool {
	if ssrc == 0 {
		return false
	}
	_, ok := r.ssrc2pusher[ssrc]
	return ok
}

func (r *Room) dropPusherLocked(pusherID string) {
	if p, ok := r.pushers[pusherID]; ok {
		delete(r.ssrc2pusher, p.param.SSRC)
		if p.param.HasRtx() {
			delete(r.ssrc2pusher, p.param.RtxSSRC)
		}
	}
	delete(r.pushers, pusherID)
	delete(r.pusher2pullers, pusherID)
}

func (r *Room) newTransport(userID, sessionID string, ident transport.ICEIdentity) transport.Sender {
	if r.opts.Transport == nil {
		return nil
	}
	return r.opts.Transport(r.roomID, userID, sessionID, ident)
}

func (r *Room) rosterLocked(exclude string) []model.UserSnapshot {
	roster := make([]model.UserSnapshot, 0, len(r.users))
	for id, u := range r.users {
		if id == exclude {
			continue
		}
		roster = append(roster, u.Snapshot())
	}
	return roster
}

func (r *Room) notifyLocalsLocked(method string, data any, exclude string) {
	for id, u := range r.users {
		if id == exclude || u.IsRemote() {
			continue
		}
		if resp := u.Responder(); resp != nil {
			resp.Notify(method, data)
		}
	}
}

func (r *Room) notifyNewUserLocked(userID string) {
	u, ok := r.users[userID]
	if !ok {
		r.log.Errorf("notify new user failed, user not found, user_id:%s", userID)
		return
	}
	// The wire format is an array with the single new user.
	r.notifyLocalsLocked("newUser", []model.UserSnapshot{u.Snapshot()}, userID)
}

func (r *Room) notifyNewPusherLocked(userID, userName string, infos []model.PushInfo) {
	payload := newPusherNotification{
		UserID:   userID,
		UserName: userName,
		RoomID:   r.roomID,
		Pushers:  infos,
	}
	r.notifyLocalsLocked("newPusher", payload, userID)
}

func (r *Room) timerLoop() {
	ticker := time.NewTicker(roomTimerMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.closedCh:
			return
		case <-ticker.C:
			r.onTimer()
		}
	}
}

func (r *Room) onTimer() {
	r.tick(time.Now().UnixMilli())
}

// tick is the timer body, taking the clock as a parameter so liveness
// eviction is testable without waiting out the windows.
func (r *Room) tick(now int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.users) > 0 {
		r.lastAliveMs = now
	}

	var expired []string
	for id, u := range r.users {
		if u.IsRemote() {
			continue
		}
		if !u.IsAlive(now) {
			r.log.Warnf("user heartbeat timeout, removing, user_id:%s", id)
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.releaseUserLocked(id)
	}

	var deadRelays []*relay.RecvRelay
	for _, rly := range r.recvRelaysByUser {
		if !rly.IsAlive(now) {
			deadRelays = append(deadRelays, rly)
		}
	}
	for _, rly := range deadRelays {
		r.log.Warnf("recv relay timeout, removing, pusher_user_id:%s", rly.PusherUserID())
		for _, pusherID := range rly.PusherIDs() {
			delete(r.recvRelaysByPusher, pusherID)
		}
		delete(r.recvRelaysByUser, rly.PusherUserID())
		rly.Close()
	}

	for _, p := range r.pushers {
		p.OnTimer(now)
	}
	for _, pullers := range r.pusher2pullers {
		for _, mp := range pullers {
			mp.OnTimer(now)
		}
	}
}

// releaseUserLocked frees everything a local user owned: the user record,
// their pushers, their send relay, and their subscriptions.
func (r *Room) releaseUserLocked(userID string) {
	r.userLeaveLocked(userID)
	u, ok := r.users[userID]
	if !ok {
		return
	}
	delete(r.users, userID)
	r.log.Infof("released user resources, user_id:%s", userID)

	for pusherID := range u.GetPushers() {
		r.dropPusherLocked(pusherID)
	}
	for pusherID, p := range r.pushers {
		if p.UserID() == userID {
			r.dropPusherLocked(pusherID)
		}
	}
	if sr, ok := r.sendRelays[userID]; ok {
		sr.Close()
		delete(r.sendRelays, userID)
	}
	for pusherID, pullers := range r.pusher2pullers {
		for pullerID, mp := range pullers {
			if mp.PullerUserID() == userID {
				delete(pullers, pullerID)
			}
		}
		if len(pullers) == 0 {
			delete(r.pusher2pullers, pusherID)
		}
	}
}

// Wire payload shapes.

type joinResponse struct {
	Code    int                  `json:"code"`
	Message string               `json:"message"`
	Users   []model.UserSnapshot `json:"users"`
}

type sdpResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Sdp     string `json:"sdp"`
}

type userEvent struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type textMessageEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Message  string `json:"message"`
}

type newPusherEvent struct {
	RoomID  string           `json:"roomId"`
	UserID  string           `json:"userId"`
	Pushers []model.PushInfo `json:"pushers"`
}

type newPusherNotification struct {
	UserID   string           `json:"userId"`
	UserName string           `json:"userName"`
	RoomID   string           `json:"roomId"`
	Pushers  []model.PushInfo `json:"pushers"`
}
