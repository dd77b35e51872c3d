// Package pilot implements the websocket client toward the pilot coordination
// service. The channel speaks protoo frames: requests carry an id and are
// answered asynchronously, notifications are one-way in both directions.
package pilot

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nullcore1024/RTCPilot/internal/protoo"
)

const defaultReconnectWait = 3 * time.Second

// Router is where inbound pilot traffic is delivered; the room manager
// implements it.
type Router interface {
	HandlePilotNotification(roomID, method string, data json.RawMessage)
	HandlePilotResponse(roomID string, id int64, method string, data json.RawMessage)
}

type pendingRequest struct {
	roomID string
	method string
}

// Client maintains one websocket to the pilot center, reconnecting with a
// fixed backoff. Outbound traffic while disconnected is dropped; the protocol
// is best-effort and the center resynchronizes state through the join
// exchange.
type Client struct {
	url           string
	reconnectWait time.Duration
	router        Router
	log           *logrus.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]pendingRequest

	nextID atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient builds a client for the given pilot URL. Run must be called to
// start the connection loop.
func NewClient(url string, reconnectWait time.Duration, router Router, log *logrus.Entry) *Client {
	if reconnectWait <= 0 {
		reconnectWait = defaultReconnectWait
	}
	return &Client{
		url:           url,
		reconnectWait: reconnectWait,
		router:        router,
		pending:       make(map[int64]pendingRequest),
		closed:        make(chan struct{}),
		log:           log.WithField("pilot", url),
	}
}

// Run dials and reads until Close. Reconnects after reconnectWait on any
// connection failure.
func (c *Client) Run() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.log.Warnf("pilot dial failed, retrying in %s: %v", c.reconnectWait, err)
			c.wait()
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Infof("pilot connected")

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.pending = make(map[int64]pendingRequest)
		c.mu.Unlock()
		conn.Close()
		c.wait()
	}
}

func (c *Client) wait() {
	select {
	case <-c.closed:
	case <-time.After(c.reconnectWait):
	}
}

// Close stops the connection loop and drops the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

// AsyncRequest sends one request frame; the response is delivered to the
// router once the center answers. Dropped with a warning while disconnected.
func (c *Client) AsyncRequest(roomID, method string, data any) {
	id := c.nextID.Add(1)
	req, err := protoo.NewRequest(id, method, data)
	if err != nil {
		c.log.Errorf("marshal pilot request %s failed: %v", method, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.log.Warnf("pilot disconnected, dropping request %s", method)
		return
	}
	c.pending[id] = pendingRequest{roomID: roomID, method: method}
	if err := c.conn.WriteJSON(req); err != nil {
		delete(c.pending, id)
		c.log.Warnf("write pilot request %s failed: %v", method, err)
	}
}

// AsyncNotification sends one notification frame. Dropped while disconnected.
func (c *Client) AsyncNotification(method string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.log.Warnf("pilot disconnected, dropping notification %s", method)
		return
	}
	if err := c.conn.WriteJSON(protoo.NewNotification(method, data)); err != nil {
		c.log.Warnf("write pilot notification %s failed: %v", method, err)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warnf("pilot read failed: %v", err)
			}
			return
		}
		var frame protoo.Peek
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Errorf("malformed pilot frame: %v", err)
			continue
		}
		switch {
		case frame.Response:
			c.dispatchResponse(&frame)
		case frame.Notification:
			c.dispatchNotification(&frame)
		default:
			c.log.Errorf("unexpected pilot frame, method:%s", frame.Method)
		}
	}
}

func (c *Client) dispatchResponse(frame *protoo.Peek) {
	c.mu.Lock()
	req, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Warnf("pilot response with unknown id:%d", frame.ID)
		return
	}
	if !frame.OK {
		c.log.Errorf("pilot refused %s, code:%d, reason:%s", req.method, frame.ErrorCode, frame.ErrorReason)
		return
	}
	c.router.HandlePilotResponse(req.roomID, frame.ID, req.method, frame.Data)
}

func (c *Client) dispatchNotification(frame *protoo.Peek) {
	var env struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(frame.Data, &env); err != nil || env.RoomID == "" {
		c.log.Errorf("pilot notification %s without roomId", frame.Method)
		return
	}
	c.router.HandlePilotNotification(env.RoomID, frame.Method, frame.Data)
}
