package room

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// capture records every document each player was sent.
type capture struct {
	mu   sync.Mutex
	docs map[string][]*wml.Document
}

func newCapture() *capture {
	return &capture{docs: make(map[string][]*wml.Document)}
}

func (c *capture) send(p *session.Player, doc *wml.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[p.Username] = append(c.docs[p.Username], doc)
}

func (c *capture) sent(username string) []*wml.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs[username]
}

func (c *capture) lastTag(t *testing.T, username string) string {
	t.Helper()
	docs := c.sent(username)
	require.NotEmpty(t, docs)
	children := docs[len(docs)-1].Root().All()
	require.NotEmpty(t, children)
	return children[0].Name()
}

func player(name string, id uint64) *session.Player {
	return session.NewTestPlayer(name, id)
}

func TestLobbyAlwaysExists(t *testing.T) {
	m := NewManager(10, newCapture().send)
	assert.True(t, m.Exists(LobbyName))

	p := player("alice", 1)
	m.Join(p, LobbyName)
	assert.Error(t, m.Part(p, LobbyName), "lobby cannot be left explicitly")
	assert.True(t, m.Exists(LobbyName))
}

func TestRoomCreatedOnDemandAndDeletedWhenEmpty(t *testing.T) {
	c := newCapture()
	m := NewManager(10, c.send)

	p := player("bob", 2)
	assert.False(t, m.Exists("tavern"))
	m.Join(p, "tavern")
	assert.True(t, m.Exists("tavern"))

	require.NoError(t, m.Part(p, "tavern"))
	assert.False(t, m.Exists("tavern"), "empty non-lobby room is deleted")
}

func TestJoinSendsMemberListAndAnnouncement(t *testing.T) {
	c := newCapture()
	m := NewManager(10, c.send)

	alice := player("alice", 1)
	bob := player("bob", 2)
	m.Join(alice, "tavern")
	m.Join(bob, "tavern")

	// Bob's join document lists alice (and bob) as members.
	bobDocs := c.sent("bob")
	require.NotEmpty(t, bobDocs)
	var members []string
	for _, mem := range bobDocs[0].Root().Children("member") {
		members = append(members, mem.AttrOr("name", ""))
	}
	assert.Contains(t, members, "alice")

	// Alice was told about bob's arrival.
	assert.Equal(t, "room_join", c.lastTag(t, "alice"))
}

func TestSpeakRelaysAndRecordsHistory(t *testing.T) {
	c := newCapture()
	m := NewManager(10, c.send)

	alice := player("alice", 1)
	bob := player("bob", 2)
	m.Join(alice, "tavern")
	m.Join(bob, "tavern")

	require.NoError(t, m.Speak(alice, "tavern", "hello there"))

	last := c.sent("bob")
	msg := last[len(last)-1].Root().Child("message")
	require.NotNil(t, msg)
	assert.Equal(t, "hello there", msg.AttrOr("message", ""))
	assert.Equal(t, "alice", msg.AttrOr("sender", ""))

	// A later joiner receives the line as history.
	carol := player("carol", 3)
	m.Join(carol, "tavern")
	carolDocs := c.sent("carol")
	hist := carolDocs[0].Root().Children("message")
	require.Len(t, hist, 1)
	assert.Equal(t, "hello there", hist[0].AttrOr("message", ""))
}

func TestSpeakRequiresMembership(t *testing.T) {
	c := newCapture()
	m := NewManager(10, c.send)
	outsider := player("eve", 9)
	m.Join(player("alice", 1), "tavern")

	assert.Error(t, m.Speak(outsider, "tavern", "psst"))
	assert.Error(t, m.Speak(outsider, "nowhere", "psst"))
}

func TestRememberAndRestore(t *testing.T) {
	c := newCapture()
	m := NewManager(10, c.send)

	alice := player("alice", 1)
	bob := player("bob", 2)
	m.Join(alice, LobbyName)
	m.Join(alice, "strategy")
	m.Join(bob, "strategy")

	// Alice enters a game: memberships are stashed and dropped.
	alice.RememberRooms()
	m.ExitAll(alice)
	assert.Empty(t, alice.Rooms())
	assert.Equal(t, "room_part", c.lastTag(t, "bob"))

	// Game over: alice is restored to her old rooms.
	m.Restore(alice)
	assert.ElementsMatch(t, []string{LobbyName, "strategy"}, alice.Rooms())
	assert.Equal(t, "room_join", c.lastTag(t, "bob"))
}
