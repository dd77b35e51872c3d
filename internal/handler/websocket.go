// Package handler is the north edge: gorilla/websocket signaling speaking
// protoo frames, translated into room operations, plus the HTTP health and
// metrics endpoints.
package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/nullcore1024/RTCPilot/internal/metrics"
	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/protoo"
	"github.com/nullcore1024/RTCPilot/internal/room"
)

// SignalingHandler upgrades signaling connections and routes their requests.
type SignalingHandler struct {
	mgr      *room.Manager
	metrics  metrics.Collector
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewSignalingHandler creates a handler over the room manager.
func NewSignalingHandler(mgr *room.Manager, collector metrics.Collector, log *logrus.Entry) *SignalingHandler {
	return &SignalingHandler{
		mgr:     mgr,
		metrics: collector,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// HandleWebSocket serves one signaling connection. The identity rides in the
// query string: roomId, userId, userName.
func (h *SignalingHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID := q.Get("roomId")
	userID := q.Get("userId")
	userName := q.Get("userName")
	if roomID == "" || userID == "" {
		http.Error(w, "roomId and userId are required", http.StatusBadRequest)
		return
	}
	if userName == "" {
		userName = userID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	log := h.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})
	p := &peer{conn: conn, metrics: h.metrics, log: log}
	h.metrics.ClientConnected()
	log.Infof("signaling connected")

	rm := h.mgr.GetOrCreate(roomID)
	defer func() {
		conn.Close()
		rm.DisconnectUser(userID)
		h.metrics.ClientDisconnected()
		log.Infof("signaling disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("signaling read failed: %v", err)
			}
			return
		}
		var frame protoo.Peek
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Errorf("malformed signaling frame: %v", err)
			continue
		}
		if !frame.Request {
			log.Debugf("ignoring non-request frame, method:%s", frame.Method)
			continue
		}
		h.dispatch(rm, roomID, userID, userName, p, &frame)
	}
}

// pullPayload is the pull request body: the subscriber's offer plus the
// publisher and tracks being pulled.
type pullPayload struct {
	webrtc.SessionDescription
	TargetUserID string           `json:"target_user_id"`
	Pushers      []model.PushInfo `json:"pushers"`
}

type textPayload struct {
	Message string `json:"message"`
}

func (h *SignalingHandler) dispatch(rm *room.Room, roomID, userID, userName string, p *peer, frame *protoo.Peek) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Errorf("panic handling %s: %v", frame.Method, rec)
			h.metrics.SignalingError(frame.Method, "panic")
			p.RespondError(frame.ID, 500, "internal error")
		}
	}()
	h.metrics.SignalingRequest(frame.Method)

	rc := 0
	switch frame.Method {
	case "join":
		rc = rm.UserJoin(userID, userName, frame.ID, p)
	case "push":
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(frame.Data, &desc); err != nil {
			rc = -1
			break
		}
		rc = rm.HandlePushSdp(userID, desc.Type.String(), desc.SDP, frame.ID, p)
	case "pull":
		var req pullPayload
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			rc = -1
			break
		}
		pull := model.PullRequestInfo{
			TargetUserID: req.TargetUserID,
			SrcUserID:    userID,
			RoomID:       roomID,
			Pushers:      req.Pushers,
		}
		rc = rm.HandlePull(pull, req.Type.String(), req.SDP, frame.ID, p)
	case "heartbeat":
		if rc = rm.HandleWsHeartbeat(userID); rc == 0 {
			p.Respond(frame.ID, map[string]any{"code": 0, "message": "heartbeat success"})
		}
	case "leave":
		if rc = rm.UserLeave(userID); rc == 0 {
			p.Respond(frame.ID, map[string]any{"code": 0, "message": "leave success"})
		}
	case "textMessage":
		var msg textPayload
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			rc = -1
			break
		}
		if rc = rm.HandleTextMessage(userID, msg.Message); rc == 0 {
			p.Respond(frame.ID, map[string]any{"code": 0, "message": "textMessage success"})
		}
	default:
		h.metrics.SignalingError(frame.Method, "unknown_method")
		p.RespondError(frame.ID, 400, "unknown method "+frame.Method)
		return
	}
	if rc < 0 {
		h.metrics.SignalingError(frame.Method, "rejected")
		p.RespondError(frame.ID, 400, frame.Method+" failed")
	}
}

// peer is one signaling connection's write side. It is the ResponseSender the
// room keeps; notifications arrive from room goroutines while the read loop
// responds, hence the write lock.
type peer struct {
	conn    *websocket.Conn
	metrics metrics.Collector
	log     *logrus.Entry

	writeMu sync.Mutex
}

func (p *peer) Respond(id int64, data any) {
	p.write(protoo.NewResponse(id, data))
}

func (p *peer) RespondError(id int64, code int, reason string) {
	p.write(protoo.NewErrorResponse(id, code, reason))
}

func (p *peer) Notify(method string, data any) {
	p.metrics.SignalingNotificationSent(method)
	p.write(protoo.NewNotification(method, data))
}

func (p *peer) write(frame any) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteJSON(frame); err != nil {
		p.log.Warnf("signaling write failed: %v", err)
	}
}
