// Package room tracks chat rooms and their membership. The lobby is a
// distinguished room that always exists; every other room is created when
// first joined and deleted when its last member leaves.
package room

import (
	"time"

	"github.com/stormhold-project/stormhold/internal/session"
)

// LobbyName is the distinguished room players occupy between games.
const LobbyName = "lobby"

// HistoryEntry is one retained chat line.
type HistoryEntry struct {
	Sender  string
	Message string
	Sent    time.Time
}

// Room is a named chat room. All mutation happens under the owning
// Manager's lock.
type Room struct {
	name       string
	persistent bool
	members    map[uint64]*session.Player
	history    []HistoryEntry
	historyCap int
}

func newRoom(name string, persistent bool, historyCap int) *Room {
	return &Room{
		name:       name,
		persistent: persistent,
		members:    make(map[uint64]*session.Player),
		historyCap: historyCap,
	}
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

func (r *Room) addHistory(sender, message string) {
	r.history = append(r.history, HistoryEntry{Sender: sender, Message: message, Sent: time.Now()})
	if r.historyCap > 0 && len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
}

func (r *Room) snapshot() []*session.Player {
	out := make([]*session.Player, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	return out
}
