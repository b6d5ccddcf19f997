package session

import (
	"time"

	"github.com/google/uuid"
)

// NewTestPlayer returns a player record not backed by a socket, for tests
// of components that never touch the connection.
func NewTestPlayer(username string, connID uint64) *Player {
	return &Player{
		Username: username,
		LoginID:  uuid.NewString(),
		JoinedAt: time.Now(),
		connID:   connID,
		gameID:   LobbyGame,
		rooms:    make(map[string]struct{}),
	}
}
