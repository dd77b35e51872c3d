package room

import (
	"encoding/json"
	"time"

	"github.com/nullcore1024/RTCPilot/internal/eventlog"
	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/relay"
)

// Inbound pilot traffic: notifications about remote participants and the
// response to our own join request. Remote users never carry a signaling
// responder and never trigger pilot re-notification.

// HandleNewUserNotificationFromCenter inserts a remote participant.
func (r *Room) HandleNewUserNotificationFromCenter(data json.RawMessage) {
	var msg struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Errorf("malformed newUser notification: %v", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAliveMs = time.Now().UnixMilli()
	if _, ok := r.users[msg.UserID]; ok {
		r.log.Errorf("newUser from center but user exists, user_id:%s", msg.UserID)
		return
	}
	u := newRtcUser(r.roomID, msg.UserID, msg.UserName, nil)
	u.SetRemote(true)
	r.users[msg.UserID] = u
	r.evl.Log("newUserFromCenter", eventlog.Fields{"room_id": r.roomID, "user_id": msg.UserID})
	r.log.Infof("remote user added, user_id:%s, user_name:%s", msg.UserID, msg.UserName)
	r.notifyNewUserLocked(msg.UserID)
}

// HandleNewPusherNotificationFromCenter records a remote user's published
// tracks and announces them to local peers.
func (r *Room) HandleNewPusherNotificationFromCenter(data json.RawMessage) {
	var msg struct {
		UserID  string           `json:"userId"`
		Pushers []model.PushInfo `json:"pushers"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Errorf("malformed newPusher notification: %v", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAliveMs = time.Now().UnixMilli()
	u, ok := r.users[msg.UserID]
	if !ok {
		r.log.Errorf("newPusher from center but user not found, user_id:%s", msg.UserID)
		return
	}
	u.SetRemote(true)

	accepted := make([]model.PushInfo, 0, len(msg.Pushers))
	for _, pi := range msg.Pushers {
		if pi.PusherID == "" || pi.RtpParam.SSRC == 0 {
			r.log.Errorf("newPusher from center without rtpParam, pusher_id:%s", pi.PusherID)
			continue
		}
		u.AddPusher(pi.PusherID, pi)
		accepted = append(accepted, pi)
	}
	r.evl.Log("newPusherFromCenter", eventlog.Fields{
		"room_id": r.roomID,
		"user_id": msg.UserID,
		"pushers": len(accepted),
	})
	r.notifyNewPusherLocked(msg.UserID, u.UserName(), accepted)
}

// HandlePullRemoteStreamNotificationFromCenter reacts to a downstream
/// instance consuming one of our local publishers: create (or reuse) the send
// relay toward the announced UDP endpoint and register the track.
func (r *Room) HandlePullRemoteStreamNotificationFromCenter(data json.RawMessage) {
	var msg struct {
		UdpIP        string         `json:"udp_ip"`
		UdpPort      int            `json:"udp_port"`
		PusherUserID string         `json:"pusher_user_id"`
		PushInfo     model.PushInfo `json:"pushInfo"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Errorf("malformed pullRemoteStream notification: %v", err)
		return
	}
	if msg.PushInfo.PusherID == "" || msg.PushInfo.RtpParam.SSRC == 0 {
		r.log.Errorf("pullRemoteStream from center without rtpParam, pusher_user_id:%s", msg.PusherUserID)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAliveMs = time.Now().UnixMilli()
	r.evl.Log("pullFromCenter", eventlog.Fields{
		"room_id":     r.roomID,
		"pusher_user": msg.PusherUserID,
		"remote":      msg.UdpIP,
	})
	sr, ok := r.sendRelays[msg.PusherUserID]
	if !ok {
		var err error
		sr, err = relay.NewSendRelay(r.roomID, msg.PusherUserID, msg.UdpIP, uint16(msg.UdpPort),
			r.opts.SendDiscardPercent, r, r.evl, r.log)
		if err != nil {
			r.log.Errorf("create send relay failed, pusher_user_id:%s: %v", msg.PusherUserID, err)
			return
		}
		r.sendRelays[msg.PusherUserID] = sr
	}
	sr.AddPushInfo(msg.PushInfo)
}

// HandleUserDisconnectNotificationFromCenter relays a remote user's
// disconnect to local peers. Only remote users are accepted here.
func (r *Room) HandleUserDisconnectNotificationFromCenter(data json.RawMessage) {
	userID, ok := r.remoteUserFromCenter(data, "userDisconnect")
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evl.Log("userDisconnectFromCenter", eventlog.Fields{"room_id": r.roomID, "user_id": userID})
	r.notifyLocalsLocked("userDisconnect", userEvent{UserID: userID, RoomID: r.roomID}, "")
}

// HandleUserLeaveNotificationFromCenter relays a remote user's leave to
// local peers.
func (r *Room) HandleUserLeaveNotificationFromCenter(data json.RawMessage) {
	userID, ok := r.remoteUserFromCenter(data, "userLeave")
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evl.Log("userLeaveFromCenter", eventlog.Fields{"room_id": r.roomID, "user_id": userID})
	r.notifyLocalsLocked("userLeave", userEvent{UserID: userID, RoomID: r.roomID}, userID)
}

func (r *Room) remoteUserFromCenter(data json.RawMessage, what string) (string, bool) {
	var msg struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Errorf("malformed %s notification: %v", what, err)
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[msg.UserID]
	if !ok {
		r.log.Errorf("%s from center but user not found, user_id:%s", what, msg.UserID)
		return "", false
	}
	if !u.IsRemote() {
		r.log.Errorf("%s from center for a local user, user_id:%s", what, msg.UserID)
		return "", false
	}
	return msg.UserID, true
}

// HandleNotifyTextMessageFromCenter fans a remote chat message to local
// users.
func (r *Room) HandleNotifyTextMessageFromCenter(data json.RawMessage) {
	var msg struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Errorf("malformed textMessage notification: %v", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyLocalsLocked("textMessage", textMessageEvent{
		RoomID:   r.roomID,
		UserID:   msg.UserID,
		UserName: msg.UserName,
		Message:  msg.Message,
	}, msg.UserID)
}

// OnAsyncRequestResponse handles late pilot responses; today only join has
// one. The join response may trail newUser notifications for the same users,
// so insertion is idempotent.
func (r *Room) OnAsyncRequestResponse(id int64, method string, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Infof("dropping pilot response after close, method:%s, id:%d", method, id)
		return
	}
	if method != "join" {
		r.log.Errorf("unexpected pilot response method:%s, id:%d", method, id)
		return
	}
	var msg struct {
		RoomID string               `json:"roomId"`
		Users  []model.UserSnapshot `json:"users"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Errorf("malformed join response from pilot: %v", err)
		return
	}
	if msg.RoomID != r.roomID {
		r.log.Errorf("room id mismatch in join response, got:%s", msg.RoomID)
		return
	}
	for _, uj := range msg.Users {
		if _, ok := r.users[uj.UserID]; ok {
			continue
		}
		u := newRtcUser(r.roomID, uj.UserID, uj.UserName, nil)
		u.SetRemote(true)
		for _, pi := range uj.Pushers {
			if pi.PusherID == "" || pi.RtpParam.SSRC == 0 {
				r.log.Errorf("join response pusher without rtpParam, user_id:%s", uj.UserID)
				continue
			}
			u.AddPusher(pi.PusherID, pi)
		}
		r.users[uj.UserID] = u
		r.log.Infof("remote user added from join response, user_id:%s", uj.UserID)
		r.notifyNewUserLocked(uj.UserID)
	}
}
