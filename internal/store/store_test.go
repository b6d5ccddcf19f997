package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an existing database re-applies the schema harmlessly.
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestBanLifecycle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AddBan(Ban{Target: "alice", Kind: "name", Reason: "griefing", BannedBy: "admin"})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	_, err = s.AddBan(Ban{Target: "10.0.0.9", Kind: "ip", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	// An already expired ban never shows up as active.
	_, err = s.AddBan(Ban{Target: "mallory", Kind: "name", ExpiresAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	bans, err := s.ActiveBans()
	require.NoError(t, err)
	require.Len(t, bans, 2)
	assert.Equal(t, "alice", bans[0].Target)
	assert.Equal(t, "griefing", bans[0].Reason)
	assert.True(t, bans[0].ExpiresAt.IsZero(), "permanent ban has no expiry")
	assert.Equal(t, "10.0.0.9", bans[1].Target)
	assert.False(t, bans[1].ExpiresAt.IsZero())

	require.NoError(t, s.PruneExpiredBans())
	require.NoError(t, s.RemoveBan("alice"))
	bans, err = s.ActiveBans()
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, "10.0.0.9", bans[0].Target)
}

func TestReplayArchiveAndPrune(t *testing.T) {
	s := openTestStore(t)

	s.SaveReplay(1, "border skirmish", "plains", []byte("[turn][/turn]"))
	s.SaveReplay(2, "border skirmish", "hills", []byte("[turn][/turn]"))

	// Nothing is old enough to prune yet.
	removed, err := s.PruneReplays(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = s.PruneReplays(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestRecordGameStats(t *testing.T) {
	s := openTestStore(t)

	s.RecordGameStats(GameStats{
		GameDBID:  7,
		GameName:  "border skirmish",
		Host:      "alice",
		Players:   2,
		Observers: 1,
		Turns:     12,
		StartedAt: time.Now().Add(-30 * time.Minute),
	})

	var players, turns int
	var host string
	err := s.db.QueryRow(`SELECT host, players, turns FROM game_stats WHERE game_db_id = 7`).
		Scan(&host, &players, &turns)
	require.NoError(t, err)
	assert.Equal(t, "alice", host)
	assert.Equal(t, 2, players)
	assert.Equal(t, 12, turns)
}
