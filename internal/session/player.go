// Package session tracks logged-in players and provides the concurrent
// registry indexing them by connection, username and current game.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stormhold-project/stormhold/internal/network"
)

// LobbyGame is the game id used for players who are in the lobby.
const LobbyGame = 0

// Player is the record for one live, logged-in connection.
type Player struct {
	Conn       *network.Connection
	Username   string
	LoginID    string
	Registered bool
	Moderator  bool
	Version    string
	JoinedAt   time.Time

	connID        uint64
	mu            sync.Mutex
	gameID        int
	rooms         map[string]struct{}
	rememberRooms []string
	muted         bool
	msgTimes      []time.Time
}

// NewPlayer creates a record for a connection that passed login.
func NewPlayer(conn *network.Connection, username, version string, registered bool) *Player {
	return &Player{
		Conn:       conn,
		Username:   username,
		LoginID:    uuid.NewString(),
		Registered: registered,
		Version:    version,
		JoinedAt:   time.Now(),
		connID:     conn.ID(),
		gameID:     LobbyGame,
		rooms:      make(map[string]struct{}),
	}
}

// ConnID returns the id of the underlying connection.
func (p *Player) ConnID() uint64 { return p.connID }

// GameID returns the player's current game, or LobbyGame.
func (p *Player) GameID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gameID
}

// InGame reports whether the player is in a game.
func (p *Player) InGame() bool { return p.GameID() != LobbyGame }

// EnterRoom records membership of a named room.
func (p *Player) EnterRoom(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms[name] = struct{}{}
}

// ExitRoom removes membership of a named room.
func (p *Player) ExitRoom(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, name)
}

// Rooms returns the player's current room memberships.
func (p *Player) Rooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.rooms))
	for r := range p.rooms {
		out = append(out, r)
	}
	return out
}

// RememberRooms stashes the current room set and clears it; used when the
// player enters a game so the rooms can be restored afterwards.
func (p *Player) RememberRooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rememberRooms = p.rememberRooms[:0]
	for r := range p.rooms {
		p.rememberRooms = append(p.rememberRooms, r)
	}
	p.rooms = make(map[string]struct{})
	return append([]string(nil), p.rememberRooms...)
}

// RememberedRooms returns the stashed room set without clearing it.
func (p *Player) RememberedRooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.rememberRooms...)
}

// SetMuted marks the player as muted by a moderator.
func (p *Player) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

// Muted reports the player's mute state.
func (p *Player) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// RecordMessage notes a chat message for flood control and reports
// whether the player exceeded limit messages within window.
func (p *Player) RecordMessage(now time.Time, limit int, window time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := now.Add(-window)
	kept := p.msgTimes[:0]
	for _, t := range p.msgTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.msgTimes = append(kept, now)
	return limit > 0 && len(p.msgTimes) > limit
}
