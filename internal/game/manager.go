package game

import (
	"sort"
	"strconv"
	"sync"

	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// Manager owns the table of live games and hands out ids. Game ids are
// process-unique and small; persistence ids keep growing across
// scenario advances so archived replays never collide.
type Manager struct {
	mu     sync.Mutex
	games  map[int]*Game
	nextID int
	nextDB int64

	send Sender
	reg  *wml.Registry
}

// NewManager creates an empty game table.
func NewManager(send Sender, reg *wml.Registry) *Manager {
	return &Manager{
		games:  make(map[int]*Game),
		nextID: 1,
		nextDB: 1,
		send:   send,
		reg:    reg,
	}
}

// Create registers a new game hosted by host. The host is seated on a
// side immediately.
func (m *Manager) Create(name string, host *session.Player, level *wml.Document, opts Options) *Game {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	dbID := m.nextDB
	m.nextDB++
	g := New(id, dbID, name, host, level, opts, m.send, m.reg)
	m.games[id] = g
	m.mu.Unlock()
	return g
}

// Get looks up a game by id.
func (m *Manager) Get(id int) (*Game, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	return g, ok
}

// Remove drops a game from the table.
func (m *Manager) Remove(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.games, id)
}

// All returns the live games ordered by id.
func (m *Manager) All() []*Game {
	m.mu.Lock()
	out := make([]*Game, 0, len(m.games))
	for _, g := range m.games {
		out = append(out, g)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Count returns the number of live games.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.games)
}

// ListDoc builds the lobby game list document: one [game] child per
// live game under [gamelist].
func (m *Manager) ListDoc() *wml.Document {
	doc := wml.New(m.reg)
	list := doc.Root().AddChild("gamelist")
	for _, g := range m.All() {
		g.mu.Lock()
		entry := list.AddChild("game")
		entry.SetAttr("id", strconv.Itoa(g.id))
		entry.SetAttr("name", g.name)
		entry.SetAttr("observer", boolStr(g.allowObservers))
		entry.SetAttr("observer_count", strconv.Itoa(len(g.observers)))
		entry.SetAttr("password", boolStr(g.password != ""))
		entry.SetAttr("player_count", strconv.Itoa(len(g.players)))
		entry.SetAttr("started", boolStr(g.started))
		g.mu.Unlock()
	}
	return doc
}

// Summary is a point-in-time view of one game for admin surfaces.
type Summary struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Players   int    `json:"players"`
	Observers int    `json:"observers"`
	Started   bool   `json:"started"`
	Turn      int    `json:"turn"`
}

// Summaries returns a snapshot of every live game ordered by id.
func (m *Manager) Summaries() []Summary {
	games := m.All()
	out := make([]Summary, 0, len(games))
	for _, g := range games {
		g.mu.Lock()
		s := Summary{
			ID:        g.id,
			Name:      g.name,
			Players:   len(g.players),
			Observers: len(g.observers),
			Started:   g.started,
			Turn:      g.turn,
		}
		if g.owner != nil {
			s.Host = g.owner.Username
		}
		g.mu.Unlock()
		out = append(out, s)
	}
	return out
}
