package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullcore1024/RTCPilot/internal/metrics"
	"github.com/nullcore1024/RTCPilot/internal/protoo"
	"github.com/nullcore1024/RTCPilot/internal/relay"
	"github.com/nullcore1024/RTCPilot/internal/room"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type nopPilot struct{}

func (nopPilot) AsyncRequest(string, string, any) {}
func (nopPilot) AsyncNotification(string, any)    {}

func newTestServer(t *testing.T) (*httptest.Server, *room.Manager) {
	t.Helper()
	alloc, err := relay.NewPortAllocator(28900, 28999)
	require.NoError(t, err)
	mgr := room.NewManager(nopPilot{}, room.Options{
		RelayBindIP: "127.0.0.1",
		AdvertiseIP: "127.0.0.1",
		Ports:       alloc,
		Fingerprint: "00:11:22:33",
		Logger:      testLog(),
	})
	t.Cleanup(mgr.Close)

	h := NewSignalingHandler(mgr, metrics.Nop{}, testLog())
	r := mux.NewRouter()
	h.SetupRoutes(r, "/ws")
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func dial(t *testing.T, srv *httptest.Server, roomID, userID, userName string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("/ws?roomId=%s&userId=%s&userName=%s", roomID, userID, userName)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn *websocket.Conn, id int64, method string, data any) {
	t.Helper()
	req, err := protoo.NewRequest(id, method, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
}

// readUntil reads frames until pred matches, skipping unrelated notifications.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(*protoo.Peek) bool) *protoo.Peek {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame protoo.Peek
		require.NoError(t, json.Unmarshal(raw, &frame))
		if pred(&frame) {
			return &frame
		}
	}
}

func readResponse(t *testing.T, conn *websocket.Conn, id int64) *protoo.Peek {
	return readUntil(t, conn, func(f *protoo.Peek) bool { return f.Response && f.ID == id })
}

const pushOffer = `v=0
o=- 1 2 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:0
a=sendonly
a=rtpmap:96 VP8/90000
a=rtcp-fb:96 nack
a=ssrc:100 cname:pushcname
`

func TestJoinAndPushOverWebsocket(t *testing.T) {
	srv, mgr := newTestServer(t)
	conn := dial(t, srv, "room1", "userA", "Alice")

	sendRequest(t, conn, 1, "join", map[string]any{"roomId": "room1"})
	resp := readResponse(t, conn, 1)
	require.True(t, resp.OK)
	var joinData struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &joinData))
	assert.Equal(t, 0, joinData.Code)
	assert.Equal(t, "join success", joinData.Message)

	sendRequest(t, conn, 2, "push", map[string]any{"type": "offer", "sdp": pushOffer})
	resp = readResponse(t, conn, 2)
	require.True(t, resp.OK)
	var pushData struct {
		Code int    `json:"code"`
		Sdp  string `json:"sdp"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &pushData))
	assert.Equal(t, 0, pushData.Code)
	assert.Contains(t, pushData.Sdp, "a=setup:passive")

	rm, ok := mgr.Get("room1")
	require.True(t, ok)
	assert.Equal(t, 1, rm.Snapshot().Pushers)
}

func TestSecondJoinSeesRosterAndNotification(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv, "room1", "userA", "Alice")
	sendRequest(t, connA, 1, "join", map[string]any{"roomId": "room1"})
	require.True(t, readResponse(t, connA, 1).OK)

	connB := dial(t, srv, "room1", "userB", "Bob")
	sendRequest(t, connB, 1, "join", map[string]any{"roomId": "room1"})
	resp := readResponse(t, connB, 1)
	require.True(t, resp.OK)
	var joinData struct {
		Users []struct {
			UserID string `json:"userId"`
		} `json:"users"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &joinData))
	require.Len(t, joinData.Users, 1)
	assert.Equal(t, "userA", joinData.Users[0].UserID)

	notif := readUntil(t, connA, func(f *protoo.Peek) bool { return f.Notification })
	assert.Equal(t, "newUser", notif.Method)
}

func TestHeartbeatAndUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "room1", "userA", "Alice")
	sendRequest(t, conn, 1, "join", map[string]any{"roomId": "room1"})
	require.True(t, readResponse(t, conn, 1).OK)

	sendRequest(t, conn, 2, "heartbeat", map[string]any{})
	assert.True(t, readResponse(t, conn, 2).OK)

	sendRequest(t, conn, 3, "describeRoom", map[string]any{})
	resp := readResponse(t, conn, 3)
	assert.False(t, resp.OK)
	assert.EqualValues(t, 400, resp.ErrorCode)
}

func TestRequestBeforeJoinRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "room1", "userA", "Alice")

	sendRequest(t, conn, 1, "heartbeat", map[string]any{})
	resp := readResponse(t, conn, 1)
	assert.False(t, resp.OK)
}

func TestRejectsMissingIdentity(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?roomId=room1"
	_, httpResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, httpResp)
	assert.Equal(t, http.StatusBadRequest, httpResp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestLeaveNotifiesPeers(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dial(t, srv, "room1", "userA", "Alice")
	sendRequest(t, connA, 1, "join", map[string]any{"roomId": "room1"})
	require.True(t, readResponse(t, connA, 1).OK)

	connB := dial(t, srv, "room1", "userB", "Bob")
	sendRequest(t, connB, 1, "join", map[string]any{"roomId": "room1"})
	require.True(t, readResponse(t, connB, 1).OK)

	sendRequest(t, connB, 2, "leave", map[string]any{})
	require.True(t, readResponse(t, connB, 2).OK)

	notif := readUntil(t, connA, func(f *protoo.Peek) bool {
		return f.Notification && f.Method == "userLeave"
	})
	var evt struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(notif.Data, &evt))
	assert.Equal(t, "userB", evt.UserID)
}
