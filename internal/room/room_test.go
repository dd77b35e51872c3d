package room

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullcore1024/RTCPilot/internal/model"
	"github.com/nullcore1024/RTCPilot/internal/relay"
	"github.com/nullcore1024/RTCPilot/internal/transport"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type respRecord struct {
	id   int64
	data any
}

type notifyRecord struct {
	method string
	data   any
}

type fakeResponder struct {
	mu        sync.Mutex
	responses []respRecord
	errors    []string
	notifies  []notifyRecord
}

func (f *fakeResponder) Respond(id int64, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, respRecord{id: id, data: data})
}

func (f *fakeResponder) RespondError(id int64, code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, reason)
}

func (f *fakeResponder) Notify(method string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, notifyRecord{method: method, data: data})
}

func (f *fakeResponder) notifyMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.notifies))
	for _, n := range f.notifies {
		out = append(out, n.method)
	}
	return out
}

type pilotMsg struct {
	method string
	data   any
}

type fakePilot struct {
	mu       sync.Mutex
	requests []pilotMsg
	notifies []pilotMsg
}

func (f *fakePilot) AsyncRequest(roomID, method string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, pilotMsg{method: method, data: data})
}

func (f *fakePilot) AsyncNotification(method string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, pilotMsg{method: method, data: data})
}

func (f *fakePilot) lastNotify(method string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.notifies) - 1; i >= 0; i-- {
		if f.notifies[i].method == method {
			return f.notifies[i].data, true
		}
	}
	return nil, false
}

type trFactory struct {
	mu     sync.Mutex
	byUser map[string]*transport.Capture
}

func newTrFactory() *trFactory {
	return &trFactory{byUser: make(map[string]*transport.Capture)}
}

func (f *trFactory) make(roomID, userID, sessionID string, ident transport.ICEIdentity) transport.Sender {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &transport.Capture{Connected: true}
	f.byUser[userID] = c
	return c
}

func (f *trFactory) capture(userID string) *transport.Capture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byUser[userID]
}

func testRoom(t *testing.T, pilot PilotClient, trs *trFactory) *Room {
	t.Helper()
	alloc, err := relay.NewPortAllocator(28800, 28899)
	require.NoError(t, err)
	r := NewRoom("room1", pilot, Options{
		RelayBindIP: "127.0.0.1",
		AdvertiseIP: "127.0.0.1",
		Ports:       alloc,
		Fingerprint: "00:11:22:33",
		Transport:   trs.make,
		Logger:      testLog(),
	})
	t.Cleanup(r.Close)
	return r
}

func pushOffer(ssrc, rtxSsrc uint32) string {
	return fmt.Sprintf(`v=0
o=- 1 2 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96 97
c=IN IP4 0.0.0.0
a=mid:0
a=sendonly
a=rtpmap:96 VP8/90000
a=rtcp-fb:96 nack
a=rtcp-fb:96 nack pli
a=rtpmap:97 rtx/90000
a=fmtp:97 apt=96
a=ssrc-group:FID %d %d
a=ssrc:%d cname:pushcname
a=ssrc:%d cname:pushcname
`, ssrc, rtxSsrc, ssrc, rtxSsrc)
}

const pullOffer = `v=0
o=- 2 2 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96 97
c=IN IP4 0.0.0.0
a=mid:0
a=recvonly
a=rtpmap:96 VP8/90000
a=rtcp-fb:96 nack
a=rtcp-fb:96 nack pli
a=rtpmap:97 rtx/90000
a=fmtp:97 apt=96
`

func videoPkt(ssrc uint32, seq uint16, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           ssrc,
			PayloadType:    96,
			SequenceNumber: seq,
		},
		Payload: payload,
	}
}

// joinAndPush joins userID and publishes one video track, returning its
// pusher id.
func joinAndPush(t *testing.T, r *Room, userID string, ssrc uint32, resp *fakeResponder) string {
	t.Helper()
	require.Equal(t, 0, r.UserJoin(userID, userID+"-name", 1, resp))
	require.Equal(t, 0, r.HandlePushSdp(userID, "offer", pushOffer(ssrc, ssrc+1), 2, resp))
	snap, ok := r.GetUser(userID)
	require.True(t, ok)
	require.Len(t, snap.Pushers, 1)
	return snap.Pushers[0].PusherID
}

func TestPublishSubscribeSameInstance(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	respB := &fakeResponder{}
	pusherID := joinAndPush(t, r, "userA", 100, respA)

	require.Equal(t, 0, r.UserJoin("userB", "B", 1, respB))
	pull := model.PullRequestInfo{
		TargetUserID: "userA",
		SrcUserID:    "userB",
		RoomID:       "room1",
		Pushers:      []model.PushInfo{{PusherID: pusherID}},
	}
	require.Equal(t, 0, r.HandlePullSdp(pull, "offer", pullOffer, 3, respB))

	// The pull answer advertises the publisher's ssrc.
	respB.mu.Lock()
	pullResp := respB.responses[len(respB.responses)-1].data.(sdpResponse)
	respB.mu.Unlock()
	assert.Contains(t, pullResp.Sdp, "a=ssrc:100 cname:cname_100")
	assert.Contains(t, pullResp.Sdp, "a=sendonly")

	pusher, ok := r.GetPusher(pusherID)
	require.True(t, ok)
	pkt := videoPkt(100, 1, []byte{0xAA, 0xBB})
	require.Equal(t, 0, pusher.HandleRtpPacket(pkt, 40, time.Now().UnixMilli()))

	capB := trs.capture("userB")
	require.NotNil(t, capB)
	require.Equal(t, 1, capB.RTPCount())
	var got rtp.Packet
	require.NoError(t, got.Unmarshal(capB.LastRTP()))
	assert.EqualValues(t, 100, got.SSRC)
	assert.EqualValues(t, 1, got.SequenceNumber)
}

func TestJoinNotificationsAndRoster(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	respB := &fakeResponder{}
	joinAndPush(t, r, "userA", 100, respA)
	require.Equal(t, 0, r.UserJoin("userB", "B", 5, respB))

	// A sees the new user; B's join response carries A and A's pusher.
	assert.Contains(t, respA.notifyMethods(), "newUser")
	respB.mu.Lock()
	joinResp := respB.responses[0].data.(joinResponse)
	respB.mu.Unlock()
	require.Len(t, joinResp.Users, 1)
	assert.Equal(t, "userA", joinResp.Users[0].UserID)
	require.Len(t, joinResp.Users[0].Pushers, 1)

	// The pilot heard about the join and the publish.
	pilot.mu.Lock()
	assert.GreaterOrEqual(t, len(pilot.requests), 2)
	assert.Equal(t, "join", pilot.requests[0].method)
	pilot.mu.Unlock()
	_, ok := pilot.lastNotify("push")
	assert.True(t, ok)
}

func TestReconnectRebindsResponder(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	respB := &fakeResponder{}
	pusherID := joinAndPush(t, r, "userA", 100, respA)
	require.Equal(t, 0, r.UserJoin("userB", "B", 1, respB))
	pull := model.PullRequestInfo{
		TargetUserID: "userA",
		SrcUserID:    "userB",
		RoomID:       "room1",
		Pushers:      []model.PushInfo{{PusherID: pusherID}},
	}
	require.Equal(t, 0, r.HandlePullSdp(pull, "offer", pullOffer, 3, respB))

	respA2 := &fakeResponder{}
	require.Equal(t, 0, r.UserJoin("userA", "A", 2, respA2))

	respA2.mu.Lock()
	rec := respA2.responses[0].data.(joinResponse)
	respA2.mu.Unlock()
	assert.Equal(t, "reconnect success", rec.Message)
	assert.Contains(t, respB.notifyMethods(), "userReConnect")
	_, ok := pilot.lastNotify("userReConnect")
	assert.True(t, ok)

	// The published track and B's subscription survive the rebind.
	pusher, ok := r.GetPusher(pusherID)
	require.True(t, ok)
	require.Equal(t, 0, pusher.HandleRtpPacket(videoPkt(100, 5, []byte{0xEE}), 40, time.Now().UnixMilli()))
	capB := trs.capture("userB")
	require.NotNil(t, capB)
	assert.Equal(t, 1, capB.RTPCount())
}

func TestUserLeaveNotifies(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	respB := &fakeResponder{}
	require.Equal(t, 0, r.UserJoin("userA", "A", 1, respA))
	require.Equal(t, 0, r.UserJoin("userB", "B", 1, respB))

	require.Equal(t, 0, r.UserLeave("userA"))
	assert.Contains(t, respB.notifyMethods(), "userLeave")
	_, ok := pilot.lastNotify("userLeave")
	assert.True(t, ok)

	// Unknown users fail without side effects.
	assert.Equal(t, -1, r.UserLeave("ghost"))
	assert.Equal(t, -1, r.DisconnectUser("ghost"))
	assert.Equal(t, -1, r.HandleWsHeartbeat("ghost"))
}

func TestLivenessEvictionReleasesResources(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	respB := &fakeResponder{}
	pusherID := joinAndPush(t, r, "userA", 100, respA)
	require.Equal(t, 0, r.UserJoin("userB", "B", 1, respB))
	pull := model.PullRequestInfo{
		TargetUserID: "userA",
		SrcUserID:    "userB",
		RoomID:       "room1",
		Pushers:      []model.PushInfo{{PusherID: pusherID}},
	}
	require.Equal(t, 0, r.HandlePullSdp(pull, "offer", pullOffer, 3, respB))

	// A remote instance consumes A's stream, so A also owns a send relay.
	snap, _ := r.GetUser("userA")
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer remote.Close()
	notif, err := json.Marshal(map[string]any{
		"udp_ip":         "127.0.0.1",
		"udp_port":       remote.LocalAddr().(*net.UDPAddr).Port,
		"pusher_user_id": "userA",
		"pushInfo":       model.PushInfo{PusherID: pusherID, RtpParam: snap.Pushers[0].RtpParam},
	})
	require.NoError(t, err)
	r.HandlePullRemoteStreamNotificationFromCenter(notif)
	require.Equal(t, 1, r.Snapshot().SendRelays)

	// A's heartbeat window lapses; B stays fresh.
	future := time.Now().UnixMilli() + userAliveMs + 1
	r.mu.Lock()
	r.users["userB"].UpdateHeartbeat(future)
	r.mu.Unlock()
	r.tick(future)

	stats := r.Snapshot()
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 0, stats.Pushers)
	assert.Equal(t, 0, stats.Pullers)
	assert.Equal(t, 0, stats.SendRelays)
	_, ok := r.GetUser("userA")
	assert.False(t, ok)
	assert.Contains(t, respB.notifyMethods(), "userLeave")
	_, ok = pilot.lastNotify("userLeave")
	assert.True(t, ok)

	// The freed ssrc is available to the survivor.
	require.Equal(t, 0, r.HandlePushSdp("userB", "offer", pushOffer(100, 101), 4, respB))
}

func TestSsrcReleasedAfterPushClose(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	respB := &fakeResponder{}
	pusherID := joinAndPush(t, r, "userA", 100, respA)
	require.Equal(t, 0, r.UserJoin("userB", "B", 1, respB))
	require.Equal(t, -1, r.HandlePushSdp("userB", "offer", pushOffer(100, 101), 2, respB))

	r.OnPushClose(pusherID)
	require.Equal(t, 0, r.HandlePushSdp("userB", "offer", pushOffer(100, 101), 3, respB))
}

func TestPliCadenceStartsClosed(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	pusherID := joinAndPush(t, r, "userA", 100, respA)
	pusher, ok := r.GetPusher(pusherID)
	require.True(t, ok)
	capA := trs.capture("userA")
	require.NotNil(t, capA)

	// Right after negotiation the cadence window is closed: timer ticks do
	// not produce a PLI until a full interval has passed.
	now := time.Now().UnixMilli()
	pusher.OnTimer(now)
	pusher.OnTimer(now + 1000)
	assert.Equal(t, 0, capA.RTCPCount())

	// Explicit keyframe requests bypass the cadence.
	require.Equal(t, 0, pusher.RequestKeyFrame(100))
	assert.Equal(t, 1, capA.RTCPCount())
}

func TestSsrcCollisionRejected(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	respB := &fakeResponder{}
	joinAndPush(t, r, "userA", 100, respA)
	require.Equal(t, 0, r.UserJoin("userB", "B", 1, respB))
	assert.Equal(t, -1, r.HandlePushSdp("userB", "offer", pushOffer(100, 101), 2, respB))
}

func TestRemotePullCreatesRelayAndForwards(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respB := &fakeResponder{}
	require.Equal(t, 0, r.UserJoin("userB", "B", 1, respB))

	// The pilot announces remote user C with pusher pc1 / ssrc 200.
	r.HandleNewUserNotificationFromCenter(json.RawMessage(`{"userId":"userC","userName":"C"}`))
	r.HandleNewPusherNotificationFromCenter(json.RawMessage(`{
		"userId":"userC",
		"pushers":[{"pusherId":"pc1","rtpParam":{
			"av_type":"video","codec":"VP8","ssrc":200,"payload_type":96,
			"clock_rate":90000,"rtx_ssrc":201,"rtx_payload_type":97,"use_nack":true}}]
	}`))
	assert.Contains(t, respB.notifyMethods(), "newUser")
	assert.Contains(t, respB.notifyMethods(), "newPusher")

	pull := model.PullRequestInfo{
		TargetUserID: "userC",
		SrcUserID:    "userB",
		RoomID:       "room1",
		Pushers:      []model.PushInfo{{PusherID: "pc1"}},
	}
	require.Equal(t, 0, r.HandleRemotePullSdp("userC", pull, "offer", pullOffer, 4, respB))

	// Exactly one recv relay; the pilot got our UDP endpoint.
	data, ok := pilot.lastNotify("pullRemoteStream")
	require.True(t, ok)
	payload := data.(map[string]any)
	port := payload["udp_port"].(uint16)
	assert.Equal(t, "127.0.0.1", payload["udp_ip"])

	// RTP arriving on that UDP port reaches B.
	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(port)})
	require.NoError(t, err)
	defer client.Close()
	buf, err := videoPkt(200, 1, []byte{0xCC}).Marshal()
	require.NoError(t, err)
	_, err = client.Write(buf)
	require.NoError(t, err)

	capB := trs.capture("userB")
	require.NotNil(t, capB)
	require.Eventually(t, func() bool { return capB.RTPCount() == 1 }, time.Second, 5*time.Millisecond)
	var got rtp.Packet
	require.NoError(t, got.Unmarshal(capB.LastRTP()))
	assert.EqualValues(t, 200, got.SSRC)
}

func TestRemoteSubscriptionEgress(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	pusherID := joinAndPush(t, r, "userA", 100, respA)
	snap, _ := r.GetUser("userA")
	param := snap.Pushers[0].RtpParam

	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer remote.Close()
	remotePort := remote.LocalAddr().(*net.UDPAddr).Port

	notif := map[string]any{
		"udp_ip":         "127.0.0.1",
		"udp_port":       remotePort,
		"pusher_user_id": "userA",
		"pushInfo":       model.PushInfo{PusherID: pusherID, RtpParam: param},
	}
	raw, err := json.Marshal(notif)
	require.NoError(t, err)
	r.HandlePullRemoteStreamNotificationFromCenter(raw)

	pusher, ok := r.GetPusher(pusherID)
	require.True(t, ok)
	require.Equal(t, 0, pusher.HandleRtpPacket(videoPkt(100, 9, []byte{0xDD}), 40, time.Now().UnixMilli()))

	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, _, err := remote.ReadFromUDP(buf)
	require.NoError(t, err)
	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.EqualValues(t, 100, got.SSRC)
	assert.EqualValues(t, 9, got.SequenceNumber)
}

func TestKeyFrameRequestRouting(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	pusherID := joinAndPush(t, r, "userA", 100, respA)

	// Local publisher: the PLI goes out on A's transport.
	require.Equal(t, 0, r.OnKeyFrameRequest(pusherID, "userB", "userA", 100))
	capA := trs.capture("userA")
	require.NotNil(t, capA)
	assert.GreaterOrEqual(t, capA.RTCPCount(), 1)

	// Unknown publisher fails.
	assert.Equal(t, -1, r.OnKeyFrameRequest("nope", "userB", "ghost", 1))
}

func TestPushPullCloseIdempotent(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	respB := &fakeResponder{}
	pusherID := joinAndPush(t, r, "userA", 100, respA)
	require.Equal(t, 0, r.UserJoin("userB", "B", 1, respB))
	pull := model.PullRequestInfo{
		TargetUserID: "userA",
		SrcUserID:    "userB",
		RoomID:       "room1",
		Pushers:      []model.PushInfo{{PusherID: pusherID}},
	}
	require.Equal(t, 0, r.HandlePullSdp(pull, "offer", pullOffer, 3, respB))
	assert.Equal(t, 1, r.Snapshot().Pullers)

	r.OnPushClose(pusherID)
	r.OnPushClose(pusherID)
	assert.Equal(t, 0, r.Snapshot().Pushers)
	assert.Equal(t, 0, r.Snapshot().Pullers)
	r.OnPullClose("missing")
}

func TestTextMessageFanout(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	respB := &fakeResponder{}
	require.Equal(t, 0, r.UserJoin("userA", "A", 1, respA))
	require.Equal(t, 0, r.UserJoin("userB", "B", 1, respB))

	require.Equal(t, 0, r.HandleTextMessage("userA", "hello"))
	assert.Contains(t, respB.notifyMethods(), "textMessage")
	assert.NotContains(t, respA.notifyMethods(), "textMessage")
	_, ok := pilot.lastNotify("textMessage")
	assert.True(t, ok)
}

func TestJoinResponseFromPilotIsIdempotent(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	r := testRoom(t, pilot, trs)

	respA := &fakeResponder{}
	require.Equal(t, 0, r.UserJoin("userA", "A", 1, respA))

	// newUser for C arrives before the join response that also lists C.
	r.HandleNewUserNotificationFromCenter(json.RawMessage(`{"userId":"userC","userName":"C"}`))
	resp := json.RawMessage(`{"roomId":"room1","users":[
		{"userId":"userC","userName":"C","pushers":[]},
		{"userId":"userD","userName":"D","pushers":[{"pusherId":"pd1","rtpParam":{
			"av_type":"audio","codec":"opus","ssrc":300,"payload_type":111,"clock_rate":48000,
			"rtx_ssrc":0,"rtx_payload_type":0,"use_nack":false}}]}
	]}`)
	r.OnAsyncRequestResponse(7, "join", resp)

	snapC, ok := r.GetUser("userC")
	require.True(t, ok)
	assert.Empty(t, snapC.Pushers)
	snapD, ok := r.GetUser("userD")
	require.True(t, ok)
	require.Len(t, snapD.Pushers, 1)
	assert.EqualValues(t, 300, snapD.Pushers[0].RtpParam.SSRC)
}

func TestUserLiveness(t *testing.T) {
	u := newRtcUser("room1", "u1", "U1", nil)
	now := time.Now().UnixMilli()
	assert.True(t, u.IsAlive(now))
	assert.False(t, u.IsAlive(now+userAliveMs+1))
	u.UpdateHeartbeat(now + userAliveMs)
	assert.True(t, u.IsAlive(now+userAliveMs+1))
}

func TestManagerRoutesAndSweeps(t *testing.T) {
	pilot := &fakePilot{}
	trs := newTrFactory()
	alloc, err := relay.NewPortAllocator(28800, 28899)
	require.NoError(t, err)
	m := NewManager(pilot, Options{
		RelayBindIP: "127.0.0.1",
		AdvertiseIP: "127.0.0.1",
		Ports:       alloc,
		Fingerprint: "00:11:22:33",
		Transport:   trs.make,
		Logger:      testLog(),
	})
	defer m.Close()

	r := m.GetOrCreate("roomX")
	same := m.GetOrCreate("roomX")
	assert.Same(t, r, same)
	assert.Equal(t, 1, m.Count())

	respA := &fakeResponder{}
	require.Equal(t, 0, r.UserJoin("userA", "A", 1, respA))
	m.HandlePilotNotification("roomX", "newUser", json.RawMessage(`{"userId":"userZ","userName":"Z"}`))
	assert.Contains(t, respA.notifyMethods(), "newUser")

	// Unknown rooms are dropped silently.
	m.HandlePilotNotification("nope", "newUser", json.RawMessage(`{}`))
	m.HandlePilotResponse("nope", 1, "join", json.RawMessage(`{}`))

	census := m.Census()
	assert.Equal(t, 2, census.Users)
}
