package relay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullcore1024/RTCPilot/internal/model"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func testAllocator(t *testing.T) *PortAllocator {
	t.Helper()
	alloc, err := NewPortAllocator(28700, 28799)
	require.NoError(t, err)
	return alloc
}

func videoPush(pusherID string, ssrc, rtxSsrc uint32) model.PushInfo {
	return model.PushInfo{
		PusherID: pusherID,
		RtpParam: model.RtpSessionParam{
			AVType:         model.MediaVideo,
			Codec:          "VP8",
			SSRC:           ssrc,
			PayloadType:    96,
			ClockRate:      90000,
			RtxSSRC:        rtxSsrc,
			RtxPayloadType: 97,
			UseNack:        true,
		},
	}
}

func marshalRtp(t *testing.T, ssrc uint32, pt uint8, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           ssrc,
			PayloadType:    pt,
			SequenceNumber: seq,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}

type captureSink struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
	ids  []string
}

func (c *captureSink) OnRtpPacketFromRemoteRtcPusher(pusherUserID, pusherID string, pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := pkt.Clone()
	c.pkts = append(c.pkts, clone)
	c.ids = append(c.ids, pusherID)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pkts)
}

type captureKeyframe struct {
	mu    sync.Mutex
	calls []uint32
}

func (c *captureKeyframe) OnKeyFrameRequest(pusherID, pullerUserID, pusherUserID string, ssrc uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, ssrc)
	return 0
}

func (c *captureKeyframe) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestRecvRelayForwardsRemoteRtp(t *testing.T) {
	sink := &captureSink{}
	r, err := NewRecvRelay("room1", "remoteUser", "127.0.0.1", testAllocator(t), 0, sink, nil, testLog())
	require.NoError(t, err)
	defer r.Close()

	r.AddVirtualPusher(videoPush("pusher1", 200, 201))
	assert.True(t, r.HasPusher("pusher1"))

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(r.LocalPort())})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(marshalRtp(t, 200, 96, 1, []byte{0xAA}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "pusher1", sink.ids[0])
	assert.EqualValues(t, 200, sink.pkts[0].SSRC)
	assert.True(t, r.IsAlive(time.Now().UnixMilli()))
	assert.True(t, r.IsConnected())

	// Unknown ssrc is dropped without a sink call.
	_, err = client.Write(marshalRtp(t, 999, 96, 1, []byte{0xAA}))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestRecvRelayRequestKeyFrame(t *testing.T) {
	sink := &captureSink{}
	r, err := NewRecvRelay("room1", "remoteUser", "127.0.0.1", testAllocator(t), 0, sink, nil, testLog())
	require.NoError(t, err)
	defer r.Close()
	r.AddVirtualPusher(videoPush("pusher1", 200, 201))

	// Before any inbound packet there is no remote address to PLI at.
	assert.Equal(t, -1, r.RequestKeyFrame(200))

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(r.LocalPort())})
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write(marshalRtp(t, 200, 96, 1, []byte{0xAA}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.IsConnected() }, time.Second, 5*time.Millisecond)

	require.Equal(t, 0, r.RequestKeyFrame(200))

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, err := client.Read(buf)
	require.NoError(t, err)
	pkts, err := rtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	pli, ok := pkts[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.EqualValues(t, 0, pli.SenderSSRC)
	assert.EqualValues(t, 200, pli.MediaSSRC)
}

func TestSendRelayForwardsAndAnswersNack(t *testing.T) {
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer remote.Close()
	remotePort := uint16(remote.LocalAddr().(*net.UDPAddr).Port)

	kf := &captureKeyframe{}
	s, err := NewSendRelay("room1", "userA", "127.0.0.1", remotePort, 0, kf, nil, testLog())
	require.NoError(t, err)
	defer s.Close()
	s.AddPushInfo(videoPush("pusherA", 100, 101))

	// Unregistered ssrc never reaches the wire.
	bogus := &rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 777, PayloadType: 96, SequenceNumber: 1}, Payload: []byte{1}}
	assert.Equal(t, -1, s.SendRtpPacket(bogus))

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 100, PayloadType: 96, SequenceNumber: 7}, Payload: []byte{0xBB}}
	require.Equal(t, 0, s.SendRtpPacket(pkt))

	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, addr, err := remote.ReadFromUDP(buf)
	require.NoError(t, err)
	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.EqualValues(t, 100, got.SSRC)
	assert.EqualValues(t, 7, got.SequenceNumber)
	assert.True(t, s.IsAlive(time.Now().UnixMilli()))

	// NACK from the remote instance triggers a cache retransmit.
	nack := &rtcp.TransportLayerNack{
		MediaSSRC: 100,
		Nacks:     rtcp.NackPairsFromSequenceNumbers([]uint16{7}),
	}
	nb, err := rtcp.Marshal([]rtcp.Packet{nack})
	require.NoError(t, err)
	_, err = remote.WriteToUDP(nb, addr)
	require.NoError(t, err)

	remote.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err = remote.ReadFromUDP(buf)
	require.NoError(t, err)
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.EqualValues(t, 7, got.SequenceNumber)
}

func TestSendRelayEscalatesPli(t *testing.T) {
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer remote.Close()
	remotePort := uint16(remote.LocalAddr().(*net.UDPAddr).Port)

	kf := &captureKeyframe{}
	s, err := NewSendRelay("room1", "userA", "127.0.0.1", remotePort, 0, kf, nil, testLog())
	require.NoError(t, err)
	defer s.Close()
	s.AddPushInfo(videoPush("pusherA", 100, 101))

	// Learn the relay's source address from one outbound packet.
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 100, PayloadType: 96, SequenceNumber: 1}, Payload: []byte{1}}
	require.Equal(t, 0, s.SendRtpPacket(pkt))
	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	_, addr, err := remote.ReadFromUDP(buf)
	require.NoError(t, err)

	pli := &rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 100}
	pb, err := rtcp.Marshal([]rtcp.Packet{pli})
	require.NoError(t, err)
	_, err = remote.WriteToUDP(pb, addr)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return kf.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 100, kf.calls[0])
}

func TestPortAllocatorWraps(t *testing.T) {
	alloc, err := NewPortAllocator(30000, 30001)
	require.NoError(t, err)
	assert.EqualValues(t, 30000, alloc.Next())
	assert.EqualValues(t, 30001, alloc.Next())
	assert.EqualValues(t, 30000, alloc.Next())
	assert.Equal(t, 2, alloc.Span())

	_, err = NewPortAllocator(5, 4)
	assert.Error(t, err)
}
