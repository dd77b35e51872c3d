package room

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager owns every live Room on this instance. Rooms are created on first
// join and swept once their 90 s liveness window lapses.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	pilot PilotClient
	opts  Options
	log   *logrus.Entry

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewManager builds a manager and starts the sweep loop.
func NewManager(pilot PilotClient, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	m := &Manager{
		rooms:    make(map[string]*Room),
		pilot:    pilot,
		opts:     opts,
		log:      log,
		closedCh: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// GetOrCreate returns the room, creating it on first use.
func (m *Manager) GetOrCreate(roomID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		return r
	}
	r := NewRoom(roomID, m.pilot, m.opts)
	m.rooms[roomID] = r
	m.log.Infof("room created, room_id:%s, rooms:%d", roomID, len(m.rooms))
	return r
}

// Get returns an existing room.
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Census aggregates per-room stats for metrics collection.
func (m *Manager) Census() Stats {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	var total Stats
	for _, r := range rooms {
		s := r.Snapshot()
		total.Users += s.Users
		total.Pushers += s.Pushers
		total.Pullers += s.Pullers
		total.SendRelays += s.SendRelays
		total.RecvRelays += s.RecvRelays
	}
	return total
}

// HandlePilotNotification routes an inbound pilot notification to its room.
// Unknown rooms are dropped; the pilot never creates rooms here.
func (m *Manager) HandlePilotNotification(roomID, method string, data json.RawMessage) {
	r, ok := m.Get(roomID)
	if !ok {
		m.log.Errorf("pilot notification for unknown room_id:%s, method:%s", roomID, method)
		return
	}
	switch method {
	case "newUser":
		r.HandleNewUserNotificationFromCenter(data)
	case "newPusher":
		r.HandleNewPusherNotificationFromCenter(data)
	case "pullRemoteStream":
		r.HandlePullRemoteStreamNotificationFromCenter(data)
	case "userDisconnect":
		r.HandleUserDisconnectNotificationFromCenter(data)
	case "userLeave":
		r.HandleUserLeaveNotificationFromCenter(data)
	case "textMessage":
		r.HandleNotifyTextMessageFromCenter(data)
	default:
		m.log.Errorf("unknown pilot notification method:%s, room_id:%s", method, roomID)
	}
}

// HandlePilotResponse routes a pilot request response back to its room.
func (m *Manager) HandlePilotResponse(roomID string, id int64, method string, data json.RawMessage) {
	r, ok := m.Get(roomID)
	if !ok {
		m.log.Errorf("pilot response for unknown room_id:%s, method:%s", roomID, method)
		return
	}
	r.OnAsyncRequestResponse(id, method, data)
}

// Close tears down every room and stops the sweep loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closedCh)
		m.mu.Lock()
		rooms := m.rooms
		m.rooms = make(map[string]*Room)
		m.mu.Unlock()
		for _, r := range rooms {
			r.Close()
		}
	})
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.closedCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	var dead []*Room
	for id, r := range m.rooms {
		if !r.IsAlive() {
			dead = append(dead, r)
			delete(m.rooms, id)
		}
	}
	m.mu.Unlock()
	for _, r := range dead {
		m.log.Warnf("room liveness expired, closing, room_id:%s", r.RoomID())
		r.Close()
	}
}
