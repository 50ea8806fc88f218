package heartbeat

import (
	"sync/atomic"

	"github.com/classinsights/agent/pkg/api"
)

// DeviceState holds the room and device record the agent is running under.
// Readers never see a partially updated record: each update swaps the whole
// pointer.
type DeviceState struct {
	room     atomic.Pointer[api.Room]
	computer atomic.Pointer[api.Computer]
}

func (s *DeviceState) SetRoom(r *api.Room) { s.room.Store(r) }

// Room returns the current room, or nil before discovery finished.
func (s *DeviceState) Room() *api.Room { return s.room.Load() }

// RoomID returns 0 when no room is known.
func (s *DeviceState) RoomID() int {
	if r := s.room.Load(); r != nil {
		return r.RoomID
	}
	return 0
}

func (s *DeviceState) SetComputer(c *api.Computer) { s.computer.Store(c) }

func (s *DeviceState) Computer() *api.Computer { return s.computer.Load() }

// ComputerID returns the server-assigned id, and false while the server has
// not assigned one yet.
func (s *DeviceState) ComputerID() (int, bool) {
	c := s.computer.Load()
	if c == nil || c.ComputerID == nil {
		return 0, false
	}
	return *c.ComputerID, true
}
