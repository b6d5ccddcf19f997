package room

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// Sender delivers a document to a single player. The manager never talks
// to sockets itself; the orchestrator supplies this at construction.
type Sender func(p *session.Player, doc *wml.Document)

// Manager owns the room table. All room/membership mutation is serialized
// through its mutex; documents are sent outside the lock over membership
// snapshots, so a send-triggered disconnect cannot corrupt an iteration.
type Manager struct {
	send       Sender
	historyCap int

	mu    sync.Mutex // held only across table mutation, never across sends
	rooms map[string]*Room
}

// NewManager creates the room table with the persistent lobby in place.
func NewManager(historyCap int, send Sender) *Manager {
	m := &Manager{
		send:       send,
		historyCap: historyCap,
		rooms:      map[string]*Room{LobbyName: newRoom(LobbyName, true, historyCap)},
	}
	return m
}

// Join adds a player to a named room, creating it on demand. The joiner
// receives the room's current member list and history; existing members
// are told about the arrival.
func (m *Manager) Join(p *session.Player, name string) {
	m.mu.Lock()
	r, ok := m.rooms[name]
	if !ok {
		r = newRoom(name, false, m.historyCap)
		m.rooms[name] = r
		log.Debug().Str("room", name).Msg("room created")
	}
	r.members[p.ConnID()] = p
	others := r.snapshot()
	memberNames := memberNames(r)
	history := append([]HistoryEntry(nil), r.history...)
	m.mu.Unlock()

	p.EnterRoom(name)

	// Tell the joiner who is here and what was recently said.
	joined := wml.New(nil)
	n := joined.Root().AddChild("room_join")
	n.SetAttr("player", p.Username)
	n.SetAttr("room", name)
	for _, member := range memberNames {
		joined.Root().AddChild("member").SetAttr("name", member)
	}
	for _, h := range history {
		msg := joined.Root().AddChild("message")
		msg.SetAttr("message", h.Message)
		msg.SetAttr("room", name)
		msg.SetAttr("sender", h.Sender)
	}
	m.send(p, joined)

	// Announce the arrival to everyone already present.
	announce := wml.New(nil)
	an := announce.Root().AddChild("room_join")
	an.SetAttr("player", p.Username)
	an.SetAttr("room", name)
	for _, member := range others {
		if member.ConnID() != p.ConnID() {
			m.send(member, announce)
		}
	}
}

// Part removes a player from a named room. Leaving the lobby explicitly
// is refused; that only happens through joining a game or disconnecting.
func (m *Manager) Part(p *session.Player, name string) error {
	if name == LobbyName {
		return fmt.Errorf("the lobby cannot be left")
	}

	m.mu.Lock()
	r, ok := m.rooms[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no such room %q", name)
	}
	delete(r.members, p.ConnID())
	remaining := r.snapshot()
	if len(r.members) == 0 && !r.persistent {
		delete(m.rooms, name)
		log.Debug().Str("room", name).Msg("empty room deleted")
	}
	m.mu.Unlock()

	p.ExitRoom(name)

	announce := wml.New(nil)
	an := announce.Root().AddChild("room_part")
	an.SetAttr("player", p.Username)
	an.SetAttr("room", name)
	for _, member := range remaining {
		m.send(member, announce)
	}
	return nil
}

// ExitAll removes the player from every room they occupy, announcing the
// departures. Called on disconnect and when a player enters a game. The
// room table itself is scanned so the call is correct even after the
// player's own room set was stashed by RememberRooms.
func (m *Manager) ExitAll(p *session.Player) {
	type parted struct {
		name      string
		remaining []*session.Player
	}
	var parts []parted

	m.mu.Lock()
	for name, r := range m.rooms {
		if _, member := r.members[p.ConnID()]; !member {
			continue
		}
		delete(r.members, p.ConnID())
		parts = append(parts, parted{name: name, remaining: r.snapshot()})
		if len(r.members) == 0 && !r.persistent {
			delete(m.rooms, name)
		}
	}
	m.mu.Unlock()

	for _, part := range parts {
		p.ExitRoom(part.name)

		announce := wml.New(nil)
		an := announce.Root().AddChild("room_part")
		an.SetAttr("player", p.Username)
		an.SetAttr("room", part.name)
		for _, member := range part.remaining {
			m.send(member, announce)
		}
	}
}

// Restore re-joins the rooms remembered when the player entered a game,
// falling back to just the lobby. Each rejoin re-sends the member list
// and announces the return.
func (m *Manager) Restore(p *session.Player) {
	rooms := p.RememberedRooms()
	if len(rooms) == 0 {
		rooms = []string{LobbyName}
	}
	sort.Strings(rooms)
	for _, name := range rooms {
		m.Join(p, name)
	}
}

// Speak relays a chat line from a player to a room and records it in the
// room's history. The sender does not receive an echo.
func (m *Manager) Speak(p *session.Player, roomName, text string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no such room %q", roomName)
	}
	if _, member := r.members[p.ConnID()]; !member {
		m.mu.Unlock()
		return fmt.Errorf("not a member of room %q", roomName)
	}
	r.addHistory(p.Username, text)
	recipients := r.snapshot()
	m.mu.Unlock()

	doc := wml.New(nil)
	msg := doc.Root().AddChild("message")
	msg.SetAttr("message", text)
	msg.SetAttr("room", roomName)
	msg.SetAttr("sender", p.Username)
	for _, member := range recipients {
		if member.ConnID() != p.ConnID() {
			m.send(member, doc)
		}
	}
	return nil
}

// SystemMessage sends a server-authored announcement to a room.
func (m *Manager) SystemMessage(roomName, text string) {
	m.mu.Lock()
	r, ok := m.rooms[roomName]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.addHistory("server", text)
	recipients := r.snapshot()
	m.mu.Unlock()

	doc := wml.New(nil)
	msg := doc.Root().AddChild("message")
	msg.SetAttr("message", text)
	msg.SetAttr("room", roomName)
	msg.SetAttr("sender", "server")
	for _, member := range recipients {
		m.send(member, doc)
	}
}

// Members returns a snapshot of a room's members, or nil for an unknown
// room.
func (m *Manager) Members(name string) []*session.Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[name]; ok {
		return r.snapshot()
	}
	return nil
}

// Exists reports whether a room is currently live.
func (m *Manager) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[name]
	return ok
}

// List returns the current room names, lobby included, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func memberNames(r *Room) []string {
	names := make([]string, 0, len(r.members))
	for _, p := range r.members {
		names = append(names, p.Username)
	}
	sort.Strings(names)
	return names
}
