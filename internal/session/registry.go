package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry is the concurrent-safe player table. It maintains three
// consistent views: by connection id (unique), by username (unique,
// case-insensitive) and by current game id (ordered member lists, with
// LobbyGame holding lobby occupants). All mutations update every view
// under one lock so no reader can observe a stale index.
type Registry struct {
	mu     sync.RWMutex
	byConn map[uint64]*Player
	byName map[string]*Player
	byGame map[int][]*Player
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[uint64]*Player),
		byName: make(map[string]*Player),
		byGame: make(map[int][]*Player),
	}
}

// Add inserts a player into the lobby view. It fails if the username is
// already taken by a live connection.
func (r *Registry) Add(p *Player) error {
	key := strings.ToLower(p.Username)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[key]; taken {
		return fmt.Errorf("username %q is already in use", p.Username)
	}
	r.byConn[p.ConnID()] = p
	r.byName[key] = p
	r.byGame[LobbyGame] = append(r.byGame[LobbyGame], p)

	log.Debug().Str("username", p.Username).Uint64("conn_id", p.ConnID()).Msg("player registered")
	return nil
}

// Remove deletes a player from every view and returns the record, or nil
// if the connection was never registered.
func (r *Registry) Remove(connID uint64) *Player {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	delete(r.byName, strings.ToLower(p.Username))
	r.removeFromGame(p, p.GameID())

	log.Debug().Str("username", p.Username).Uint64("conn_id", connID).Msg("player removed")
	return p
}

// removeFromGame drops p from the gameID member list. Caller holds r.mu.
func (r *Registry) removeFromGame(p *Player, gameID int) {
	members := r.byGame[gameID]
	for i, m := range members {
		if m == p {
			r.byGame[gameID] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(r.byGame[gameID]) == 0 && gameID != LobbyGame {
		delete(r.byGame, gameID)
	}
}

// MoveToGame retargets the player's game membership as one transaction:
// the old game list, new game list and the player's own record change
// together or not at all.
func (r *Registry) MoveToGame(connID uint64, gameID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byConn[connID]
	if !ok {
		return false
	}
	p.mu.Lock()
	old := p.gameID
	p.gameID = gameID
	p.mu.Unlock()

	if old == gameID {
		return true
	}
	r.removeFromGame(p, old)
	r.byGame[gameID] = append(r.byGame[gameID], p)
	return true
}

// ByConn finds the player for a connection id.
func (r *Registry) ByConn(connID uint64) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byConn[connID]
	return p, ok
}

// ByName finds a player by username, case-insensitively.
func (r *Registry) ByName(username string) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[strings.ToLower(username)]
	return p, ok
}

// GameMembers returns a snapshot of a game's member list in join order.
// LobbyGame enumerates lobby occupants.
func (r *Registry) GameMembers(gameID int) []*Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Player(nil), r.byGame[gameID]...)
}

// All returns a snapshot of every registered player.
func (r *Registry) All() []*Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Player, 0, len(r.byConn))
	for _, p := range r.byConn {
		out = append(out, p)
	}
	return out
}

// Count returns the number of registered players.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
