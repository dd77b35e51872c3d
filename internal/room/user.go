package room

import (
	"time"

	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/protoo"
)

const userAliveMs = 40000

// RtcUser is the per-participant state record. Local users carry a signaling
// responder; remote users (injected by pilot notifications) never do. Not
// self-locking: the owning Room's lock guards all access.
type RtcUser struct {
	roomID   string
	userID   string
	userName string
	remote   bool

	lastHeartbeatMs int64
	pushers         map[string]model.PushInfo
	resp            protoo.ResponseSender
}

func newRtcUser(roomID, userID, userName string, resp protoo.ResponseSender) *RtcUser {
	return &RtcUser{
		roomID:          roomID,
		userID:          userID,
		userName:        userName,
		lastHeartbeatMs: time.Now().UnixMilli(),
		pushers:         make(map[string]model.PushInfo),
		resp:            resp,
	}
}

func (u *RtcUser) UserID() string   { return u.userID }
func (u *RtcUser) UserName() string { return u.userName }

func (u *RtcUser) SetRemote(remote bool) { u.remote = remote }
func (u *RtcUser) IsRemote() bool        { return u.remote }

// UpdateHeartbeat refreshes the liveness clock, from signaling heartbeats or
// from observed RTP.
func (u *RtcUser) UpdateHeartbeat(nowMs int64) { u.lastHeartbeatMs = nowMs }

// IsAlive reports whether the user showed activity inside the 40 s window.
func (u *RtcUser) IsAlive(nowMs int64) bool {
	return nowMs-u.lastHeartbeatMs <= userAliveMs
}

func (u *RtcUser) SetResponder(resp protoo.ResponseSender) { u.resp = resp }
func (u *RtcUser) ClearResponder()                         { u.resp = nil }
func (u *RtcUser) Responder() protoo.ResponseSender        { return u.resp }

func (u *RtcUser) AddPusher(pusherID string, info model.PushInfo) {
	u.pushers[pusherID] = info
}

func (u *RtcUser) GetPusher(pusherID string) (model.PushInfo, bool) {
	info, ok := u.pushers[pusherID]
	return info, ok
}

func (u *RtcUser) GetPushers() map[string]model.PushInfo {
	out := make(map[string]model.PushInfo, len(u.pushers))
	for id, info := range u.pushers {
		out[id] = info
	}
	return out
}

// Snapshot renders the user for join responses and newUser notifications.
func (u *RtcUser) Snapshot() model.UserSnapshot {
	snap := model.UserSnapshot{
		UserID:   u.userID,
		UserName: u.userName,
		Pushers:  make([]model.PushInfo, 0, len(u.pushers)),
	}
	for _, info := range u.pushers {
		snap.Pushers = append(snap.Pushers, info)
	}
	return snap
}
