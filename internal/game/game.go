// Package game implements the per-game session state machine: side
// ownership, turn relay, controller transfer, replay recording and the
// host hand-off rules that keep a game alive when players drop.
package game

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// Sender delivers a document to a single player.
type Sender func(p *session.Player, doc *wml.Document)

// Game is one multiplayer session. All mutable state is guarded by mu;
// messages addressed to the game are serialized through it, never
// globally. Documents are sent after the lock is released, over
// membership snapshots taken inside it.
type Game struct {
	id   int
	name string
	send Sender
	reg  *wml.Registry

	mu             sync.Mutex
	dbID           int64
	owner          *session.Player
	started        bool
	startedAt      time.Time
	terminated     bool
	password       string
	allowObservers bool

	level *wml.Document
	sides []*Side

	players   []*session.Player // side-owning members, join order
	observers []*session.Player
	mutedObs  map[uint64]bool

	turn        int
	currentSide int // 0-based index into sides

	replay []*wml.Document
	chat   []*wml.Document

	rng          *rand.Rand
	lastChoiceID uint64

	nameBans map[string]bool
	ipBans   map[string]bool

	logger zerolog.Logger
}

// Options configure game creation.
type Options struct {
	Password       string
	AllowObservers bool
}

// New creates an unstarted game owned by host, with sides derived from
// the level document. The level reflects the initial scenario state
// only: runtime WML mutations are deliberately not folded back into it,
// because the server does not simulate game rules.
func New(id int, dbID int64, name string, host *session.Player, level *wml.Document, opts Options, send Sender, reg *wml.Registry) *Game {
	g := &Game{
		id:             id,
		dbID:           dbID,
		name:           name,
		send:           send,
		reg:            reg,
		owner:          host,
		password:       opts.Password,
		allowObservers: opts.AllowObservers,
		level:          level,
		sides:          sidesFromLevel(level),
		turn:           1,
		mutedObs:       make(map[uint64]bool),
		rng:            rand.New(rand.NewSource(independentSeed())),
		nameBans:       make(map[string]bool),
		ipBans:         make(map[string]bool),
		logger:         log.With().Str("component", "game").Int("game_id", id).Logger(),
	}
	g.players = append(g.players, host)
	g.takeSideLocked(host)
	return g
}

// independentSeed derives an RNG seed from the OS entropy source so no
// client can predict or influence it.
func independentSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// ID returns the process-unique game id.
func (g *Game) ID() int { return g.id }

// DBID returns the persistence correlation id; unlike the game id it is
// never reused across scenarios.
func (g *Game) DBID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dbID
}

// Name returns the game's display name.
func (g *Game) Name() string { return g.name }

// Started reports whether the owner has started the game.
func (g *Game) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// StartedAt returns when the game was started, zero if it never was.
func (g *Game) StartedAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startedAt
}

// Owner returns the current host.
func (g *Game) Owner() *session.Player {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

// Members returns all players and observers, players first in join order.
func (g *Game) Members() []*session.Player {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.membersLocked()
}

func (g *Game) membersLocked() []*session.Player {
	out := make([]*session.Player, 0, len(g.players)+len(g.observers))
	out = append(out, g.players...)
	out = append(out, g.observers...)
	return out
}

func (g *Game) isMemberLocked(p *session.Player) bool {
	for _, m := range g.players {
		if m.ConnID() == p.ConnID() {
			return true
		}
	}
	for _, m := range g.observers {
		if m.ConnID() == p.ConnID() {
			return true
		}
	}
	return false
}

// IsMember reports whether p is in this game as player or observer.
func (g *Game) IsMember(p *session.Player) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isMemberLocked(p)
}

// IsObserver reports whether p is a non-side-owning member.
func (g *Game) IsObserver(p *session.Player) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.observers {
		if m.ConnID() == p.ConnID() {
			return true
		}
	}
	return false
}

// Sides returns a copy of the side table.
func (g *Game) Sides() []Side {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Side, len(g.sides))
	for i, s := range g.sides {
		out[i] = *s
	}
	return out
}

// takeSideLocked assigns p a side per the deterministic search order:
// first a side reserved for (or naming) them, then the first unowned
// human side. Returns false when nothing was free.
func (g *Game) takeSideLocked(p *session.Player) bool {
	for _, s := range g.sides {
		if s.claimable(p.Username) {
			s.Owner = p
			if s.Controller == ControllerReserved {
				s.Controller = ControllerHuman
			}
			return true
		}
	}
	for _, s := range g.sides {
		if s.open() {
			s.Owner = p
			return true
		}
	}
	return false
}

// Join admits a player. Non-observers must win a side; observers are
// accepted unless the game forbids them. The joiner is sent the level
// document plus replay and chat history so a late join reconstructs the
// game, then remaining members get the membership update.
func (g *Game) Join(p *session.Player, observer bool, password string) error {
	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		return fmt.Errorf("game %d is over", g.id)
	}
	if g.nameBans[p.Username] || g.ipBans[remoteIP(p)] {
		g.mu.Unlock()
		return ErrBanned
	}
	if g.password != "" && password != g.password {
		g.mu.Unlock()
		return ErrPasswordMismatch
	}
	if g.isMemberLocked(p) {
		g.mu.Unlock()
		return nil
	}

	if observer {
		if !g.allowObservers {
			g.mu.Unlock()
			return ErrObserversNotAllowed
		}
		g.observers = append(g.observers, p)
	} else {
		if !g.takeSideLocked(p) {
			g.mu.Unlock()
			return ErrNoAvailableSide
		}
		g.players = append(g.players, p)
	}

	level := g.level.Clone(g.reg)
	history := append([]*wml.Document(nil), g.replay...)
	chat := append([]*wml.Document(nil), g.chat...)
	others := g.othersLocked(p)
	g.mu.Unlock()

	g.send(p, level)
	level.Close()
	for _, doc := range chat {
		g.send(p, doc)
	}
	for _, doc := range history {
		g.send(p, doc)
	}

	update := wml.New(g.reg)
	j := update.Root().AddChild("join")
	j.SetAttr("observer", boolStr(observer))
	j.SetAttr("player", p.Username)
	for _, m := range others {
		g.send(m, update)
	}
	update.Close()

	g.logger.Info().Str("username", p.Username).Bool("observer", observer).Msg("player joined game")
	return nil
}

func (g *Game) othersLocked(p *session.Player) []*session.Player {
	var out []*session.Player
	for _, m := range g.membersLocked() {
		if m.ConnID() != p.ConnID() {
			out = append(out, m)
		}
	}
	return out
}

// Leave removes a member. It reports whether the game terminated as a
// result: host leaving an unstarted game or the last member leaving ends
// the game; otherwise owned sides become unowned (controller preserved)
// and host loss triggers a hand-off to the earliest-joined remaining
// player.
func (g *Game) Leave(p *session.Player) (terminated bool) {
	g.mu.Lock()
	if g.terminated || !g.isMemberLocked(p) {
		g.mu.Unlock()
		return false
	}

	wasHost := g.owner != nil && g.owner.ConnID() == p.ConnID()
	g.removeMemberLocked(p)

	var droppedSides []*Side
	for _, s := range g.sides {
		if s.Owner != nil && s.Owner.ConnID() == p.ConnID() {
			s.Owner = nil
			droppedSides = append(droppedSides, s)
		}
	}

	remaining := g.membersLocked()
	if len(remaining) == 0 || (wasHost && !g.started) {
		g.terminated = true
		g.mu.Unlock()
		g.logger.Info().Str("username", p.Username).Bool("was_host", wasHost).Msg("game terminated on leave")
		return true
	}

	var newHost *session.Player
	if wasHost {
		newHost = g.handOffHostLocked()
	}
	g.mu.Unlock()

	leave := wml.New(g.reg)
	leave.Root().AddChild("leave").SetAttr("player", p.Username)
	for _, m := range remaining {
		g.send(m, leave)
	}
	leave.Close()

	for _, s := range droppedSides {
		drop := wml.New(g.reg)
		d := drop.Root().AddChild("side_drop")
		d.SetAttr("controller", s.Controller.String())
		d.SetAttr("side_num", strconv.Itoa(s.Index))
		for _, m := range remaining {
			g.send(m, drop)
		}
		drop.Close()
	}

	if newHost != nil {
		// The new host needs to know about its elevated status; everyone
		// else only sees the announcement.
		transfer := wml.New(g.reg)
		h := transfer.Root().AddChild("host_transfer")
		h.SetAttr("name", newHost.Username)
		h.SetAttr("value", "1")
		g.send(newHost, transfer)
		transfer.Close()

		notice := wml.New(g.reg)
		msg := notice.Root().AddChild("message")
		msg.SetAttr("message", newHost.Username+" has become the host")
		msg.SetAttr("sender", "server")
		for _, m := range remaining {
			if m.ConnID() != newHost.ConnID() {
				g.send(m, notice)
			}
		}
		notice.Close()
		g.logger.Info().Str("new_host", newHost.Username).Msg("host handed off")
	}
	return false
}

// handOffHostLocked promotes the earliest-joined remaining player, or
// failing that the earliest observer. Caller holds g.mu.
func (g *Game) handOffHostLocked() *session.Player {
	if len(g.players) > 0 {
		g.owner = g.players[0]
	} else if len(g.observers) > 0 {
		g.owner = g.observers[0]
	} else {
		g.owner = nil
	}
	return g.owner
}

func (g *Game) removeMemberLocked(p *session.Player) {
	for i, m := range g.players {
		if m.ConnID() == p.ConnID() {
			g.players = append(g.players[:i], g.players[i+1:]...)
			break
		}
	}
	for i, m := range g.observers {
		if m.ConnID() == p.ConnID() {
			g.observers = append(g.observers[:i], g.observers[i+1:]...)
			break
		}
	}
	delete(g.mutedObs, p.ConnID())
	if g.owner != nil && g.owner.ConnID() == p.ConnID() {
		g.owner = nil
	}
}

// Start marks the game as started. Only the host may start it.
func (g *Game) Start(p *session.Player) error {
	g.mu.Lock()
	if g.owner == nil || g.owner.ConnID() != p.ConnID() {
		g.mu.Unlock()
		return ErrNotHost
	}
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	g.startedAt = time.Now()
	g.currentSide = g.firstPlayableSideLocked(0)
	members := g.othersLocked(p)
	g.mu.Unlock()

	start := wml.New(g.reg)
	start.Root().AddChild("start_game")
	for _, m := range members {
		g.send(m, start)
	}
	start.Close()
	g.logger.Info().Msg("game started")
	return nil
}

// firstPlayableSideLocked finds the first side at or after from whose
// controller is not none, wrapping once around the table.
func (g *Game) firstPlayableSideLocked(from int) int {
	n := len(g.sides)
	for i := 0; i < n; i++ {
		idx := (from + i) % n
		if g.sides[idx].Controller != ControllerNone {
			return idx
		}
	}
	return 0
}

// SpeakAll relays an in-game chat line outside turn processing and
// records it in chat history. Muted observers are dropped.
func (g *Game) SpeakAll(p *session.Player, text string) error {
	g.mu.Lock()
	if !g.isMemberLocked(p) {
		g.mu.Unlock()
		return ErrNotMember
	}
	if g.mutedObs[p.ConnID()] {
		g.mu.Unlock()
		return nil
	}
	doc := wml.New(g.reg)
	msg := doc.Root().AddChild("message")
	msg.SetAttr("message", text)
	msg.SetAttr("sender", p.Username)
	g.chat = append(g.chat, doc)
	recipients := g.othersLocked(p)
	g.mu.Unlock()

	for _, m := range recipients {
		g.send(m, doc)
	}
	return nil
}

// DropSide releases every side the player owns and demotes them to an
// observer. Controller state survives the drop so the side can be
// reassigned. Remaining members are told which sides opened up.
func (g *Game) DropSide(p *session.Player) error {
	g.mu.Lock()
	if !g.isMemberLocked(p) {
		g.mu.Unlock()
		return ErrNotMember
	}
	var dropped []Side
	for _, s := range g.sides {
		if s.Owner != nil && s.Owner.ConnID() == p.ConnID() {
			s.Owner = nil
			dropped = append(dropped, *s)
		}
	}
	if len(dropped) == 0 {
		g.mu.Unlock()
		return fmt.Errorf("%s holds no side", p.Username)
	}
	for i, m := range g.players {
		if m.ConnID() == p.ConnID() {
			g.players = append(g.players[:i], g.players[i+1:]...)
			g.observers = append(g.observers, p)
			break
		}
	}
	recipients := g.othersLocked(p)
	g.mu.Unlock()

	for _, s := range dropped {
		drop := wml.New(g.reg)
		d := drop.Root().AddChild("side_drop")
		d.SetAttr("controller", s.Controller.String())
		d.SetAttr("side_num", strconv.Itoa(s.Index))
		for _, m := range recipients {
			g.send(m, drop)
		}
		drop.Close()
	}
	g.logger.Info().Str("username", p.Username).Int("sides", len(dropped)).Msg("player dropped sides")
	return nil
}

// MuteObserver toggles an observer's mute state; host only.
func (g *Game) MuteObserver(host *session.Player, target *session.Player, muted bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == nil || g.owner.ConnID() != host.ConnID() {
		return ErrNotHost
	}
	g.mutedObs[target.ConnID()] = muted
	return nil
}

// BanName adds a username to this game's ban list; host only.
func (g *Game) BanName(host *session.Player, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == nil || g.owner.ConnID() != host.ConnID() {
		return ErrNotHost
	}
	g.nameBans[name] = true
	return nil
}

// BanIP adds an address to this game's ban list; host only.
func (g *Game) BanIP(host *session.Player, ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == nil || g.owner.ConnID() != host.ConnID() {
		return ErrNotHost
	}
	g.ipBans[ip] = true
	return nil
}

// Level returns the authoritative level document. It reflects only the
// initial scenario state; see New.
func (g *Game) Level() *wml.Document {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// ApplyScenarioDiff patches the level document in place; host only.
func (g *Game) ApplyScenarioDiff(p *session.Player, diff *wml.Document) error {
	g.mu.Lock()
	if g.owner == nil || g.owner.ConnID() != p.ConnID() {
		g.mu.Unlock()
		return ErrNotHost
	}
	wml.ApplyDiff(g.level, diff)
	recipients := g.othersLocked(p)
	g.mu.Unlock()

	relay := diff.Clone(g.reg)
	for _, m := range recipients {
		g.send(m, relay)
	}
	relay.Close()
	return nil
}

// Release closes the documents a finished game retains, returning
// their memory accounting to the registry. Call once, after the game
// left the table and any archiving has serialized what it needs.
func (g *Game) Release() {
	g.mu.Lock()
	level := g.level
	g.level = nil
	docs := append(g.replay, g.chat...)
	g.replay, g.chat = nil, nil
	g.mu.Unlock()

	if level != nil {
		level.Close()
	}
	for _, d := range docs {
		d.Close()
	}
}

// Replay returns the recorded history so far.
func (g *Game) Replay() []*wml.Document {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*wml.Document(nil), g.replay...)
}

// Turn returns the current turn counter and 1-based acting side number.
func (g *Game) Turn() (turn, side int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sides) == 0 {
		return g.turn, 0
	}
	return g.turn, g.sides[g.currentSide].Index
}

func remoteIP(p *session.Player) string {
	if p.Conn == nil {
		return ""
	}
	return p.Conn.RemoteIP()
}

func boolStr(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
