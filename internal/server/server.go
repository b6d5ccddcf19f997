// Package server is the central orchestrator: it runs the login
// sequence on new connections, dispatches lobby and in-game documents
// to the room and game layers, and owns the server-wide ban table.
package server

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stormhold-project/stormhold/internal/config"
	"github.com/stormhold-project/stormhold/internal/events"
	"github.com/stormhold-project/stormhold/internal/game"
	"github.com/stormhold-project/stormhold/internal/network"
	"github.com/stormhold-project/stormhold/internal/room"
	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/store"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// handlerFunc processes one top-level document tag from a logged-in
// player. node is the tag's element, never nil.
type handlerFunc func(p *session.Player, node *wml.Node) error

// Server wires the connection, session, room and game layers together
// and implements network.Handler.
type Server struct {
	cfg   *config.Config
	docs  *wml.Registry
	store *store.Store
	bus   *events.Bus

	players *session.Registry
	rooms   *room.Manager
	games   *game.Manager

	auth Authenticator
	bans *banTable

	handlers map[string]handlerFunc

	mu        sync.Mutex
	startedAt time.Time
	shutdown  context.CancelFunc

	logger zerolog.Logger
}

// New assembles a server from its configuration. st may be nil, in
// which case replays and bans are not persisted; bus may be nil when no
// observers are attached.
func New(cfg *config.Config, st *store.Store, bus *events.Bus) *Server {
	srv := cfg.GetServer()
	s := &Server{
		cfg:       cfg,
		docs:      wml.NewRegistry(),
		store:     st,
		bus:       bus,
		players:   session.NewRegistry(),
		auth:      GuestAuthenticator{AllowGuests: srv.AllowGuests},
		bans:      newBanTable(st),
		startedAt: time.Now(),
		logger:    log.With().Str("component", "server").Logger(),
	}
	s.rooms = room.NewManager(srv.RoomHistorySize, s.sendDoc)
	s.games = game.NewManager(s.sendDoc, s.docs)
	s.handlers = map[string]handlerFunc{
		"refresh_lobby":     s.handleRefreshLobby,
		"message":           s.handleMessage,
		"whisper":           s.handleWhisper,
		"query":             s.handleQuery,
		"nickserv":          s.handleNickserv,
		"room_join":         s.handleRoomJoin,
		"room_part":         s.handleRoomPart,
		"room_query":        s.handleRoomQuery,
		"create_game":       s.handleCreateGame,
		"join":              s.handleJoin,
		"observe":           s.handleObserve,
		"leave_game":        s.handleLeaveGame,
		"start_game":        s.handleStartGame,
		"turn":              s.handleTurn,
		"end_turn":          s.handleEndTurn,
		"side_drop":         s.handleSideDrop,
		"speak":             s.handleSpeak,
		"random_seed":       s.handleChoice,
		"change_controller": s.handleChangeController,
		"scenario_diff":     s.handleScenarioDiff,
		"next_scenario":     s.handleNextScenario,
		"kick_ban":          s.handleKickBan,
		"mute_observer":     s.handleMuteObserver,
		"ping":              s.handlePing,
	}
	return s
}

// SetAuthenticator replaces the credential backend.
func (s *Server) SetAuthenticator(a Authenticator) { s.auth = a }

// SetShutdown registers the cancel function used by moderator shutdown.
func (s *Server) SetShutdown(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = cancel
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration { return time.Since(s.startedAt) }

// Players returns the session registry.
func (s *Server) Players() *session.Registry { return s.players }

// Games returns the game table.
func (s *Server) Games() *game.Manager { return s.games }

// Rooms returns the room manager.
func (s *Server) Rooms() *room.Manager { return s.rooms }

// DocStats reports live parsed-document accounting.
func (s *Server) DocStats() wml.Stats { return s.docs.Stats() }

// HandleConnection runs the life of one logged-in connection: login
// sequence, lobby entry, then the per-connection document loop.
// Documents from one connection are processed strictly in receipt
// order.
func (s *Server) HandleConnection(ctx context.Context, conn *network.Connection) {
	defer conn.Close()

	p, err := s.login(conn)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteIP()).Msg("login failed")
		return
	}
	defer s.disconnect(p)

	s.logger.Info().Str("username", p.Username).Uint64("conn_id", p.ConnID()).Msg("player logged in")
	s.emit(events.EventPlayerLogin, events.PlayerPayload{
		Username: p.Username,
		Remote:   conn.RemoteIP(),
		Version:  p.Version,
	})

	srv := s.cfg.GetServer()
	s.rooms.Join(p, room.LobbyName)
	if srv.MOTD != "" {
		motd := wml.New(s.docs)
		m := motd.Root().AddChild("message")
		m.SetAttr("message", srv.MOTD)
		m.SetAttr("sender", "server")
		s.sendDoc(p, motd)
		motd.Close()
	}
	s.sendGamelist(p)

	readTimeout := time.Duration(srv.ReadTimeout) * time.Second
	maxDoc := srv.MaxDocumentSize
	if srv.LegacyDocumentLimit {
		maxDoc = wml.LegacyMaxDecompressed
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := conn.ReadFrame(readTimeout)
		if err != nil {
			s.logger.Debug().Err(err).Str("username", p.Username).Msg("connection closed")
			return
		}

		doc, err := s.decode(data, maxDoc)
		if err != nil {
			s.logger.Warn().Err(err).Str("username", p.Username).Msg("undecodable document")
			s.sendError(p, "invalid document", errCodeBadDocument)
			continue
		}

		if err := s.dispatch(p, doc); err != nil {
			s.logger.Debug().Err(err).Str("username", p.Username).Msg("request rejected")
		}
		doc.Close()
	}
}

// dispatch routes a document by its first top-level tag.
func (s *Server) dispatch(p *session.Player, doc *wml.Document) error {
	children := doc.Root().All()
	if len(children) == 0 {
		// Keepalive; nothing to do.
		return nil
	}
	node := children[0]
	h, ok := s.handlers[node.Name()]
	if !ok {
		// Unknown tags are dropped, not fatal: older or newer clients may
		// speak requests this server does not know.
		s.logger.Debug().Str("username", p.Username).Str("tag", node.Name()).Msg("ignoring unknown tag")
		return nil
	}
	return h(p, node)
}

// decode inflates and parses one received frame.
func (s *Server) decode(data []byte, maxDoc int64) (*wml.Document, error) {
	text, err := wml.Decompress(data, maxDoc)
	if err != nil {
		return nil, err
	}
	return wml.Parse(text, s.docs)
}

// sendDoc serializes, compresses and queues a document for one player.
// Send failures only mark the connection; the read loop notices the
// close and runs the disconnect path.
func (s *Server) sendDoc(p *session.Player, doc *wml.Document) {
	if p.Conn == nil {
		return
	}
	payload, err := wml.Compress([]byte(doc.Serialize()), wml.Gzip)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to compress outgoing document")
		return
	}
	if err := p.Conn.Send(payload); err != nil {
		s.logger.Debug().Err(err).Str("username", p.Username).Msg("send failed")
	}
}

// sendError delivers an [error] document carrying a message and a
// stable numeric code.
func (s *Server) sendError(p *session.Player, message, code string) {
	doc := wml.New(s.docs)
	e := doc.Root().AddChild("error")
	e.SetAttr("error_code", code)
	e.SetAttr("message", message)
	s.sendDoc(p, doc)
	doc.Close()
}

// emit publishes an event when a bus is attached.
func (s *Server) emit(t events.Type, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.Event{Type: t, Source: "server", Payload: payload})
}

// sendGamelist delivers the current game list to one player.
func (s *Server) sendGamelist(p *session.Player) {
	doc := s.games.ListDoc()
	s.sendDoc(p, doc)
	doc.Close()
}

// broadcastGamelist pushes the current game list to everyone in the
// lobby.
func (s *Server) broadcastGamelist() {
	doc := s.games.ListDoc()
	for _, p := range s.players.GameMembers(session.LobbyGame) {
		s.sendDoc(p, doc)
	}
	doc.Close()
}

// disconnect tears down all session state of a departing connection.
func (s *Server) disconnect(p *session.Player) {
	if g, ok := s.games.Get(p.GameID()); ok {
		s.leaveGame(p, g)
	}
	s.rooms.ExitAll(p)
	s.players.Remove(p.ConnID())
	s.logger.Info().Str("username", p.Username).Msg("player disconnected")
	s.emit(events.EventPlayerLogout, events.PlayerPayload{Username: p.Username})
}

// leaveGame removes p from g, archiving and dropping the game when the
// departure terminates it. Members stranded by a termination are
// evicted back to the lobby.
func (s *Server) leaveGame(p *session.Player, g *game.Game) {
	replay := g.Replay()
	if g.Leave(p) {
		for _, m := range g.Members() {
			s.sendError(m, "the game has ended", errCodeGameEnded)
			s.players.MoveToGame(m.ConnID(), session.LobbyGame)
			s.rooms.Restore(m)
			s.sendGamelist(m)
		}
		s.finishGame(g, replay)
	}
	s.players.MoveToGame(p.ConnID(), session.LobbyGame)
	s.broadcastGamelist()
}

// finishGame archives a terminated game, removes it from the table and
// releases the documents it retained.
func (s *Server) finishGame(g *game.Game, replay []*wml.Document) {
	s.games.Remove(g.ID())
	turns, _ := g.Turn()
	s.emit(events.EventGameEnded, events.GamePayload{
		GameID:  g.ID(),
		Name:    g.Name(),
		Players: len(g.Members()),
		Turns:   turns,
	})

	srv := s.cfg.GetServer()
	if s.store != nil && srv.SaveReplays && len(replay) > 0 {
		var buf []byte
		for _, doc := range replay {
			buf = append(buf, doc.Serialize()...)
		}
		dbID, name := g.DBID(), g.Name()
		members := len(g.Members())
		startedAt := g.StartedAt()
		host := ""
		if o := g.Owner(); o != nil {
			host = o.Username
		}
		go func() {
			s.store.SaveReplay(dbID, name, "", buf)
			s.store.RecordGameStats(store.GameStats{
				GameDBID:  dbID,
				GameName:  name,
				Host:      host,
				Players:   members,
				Turns:     turns,
				StartedAt: startedAt,
			})
		}()
	}
	g.Release()
}

// Kick disconnects a player by name. Used by moderator surfaces.
func (s *Server) Kick(username, reason string) error {
	p, ok := s.players.ByName(username)
	if !ok {
		return fmt.Errorf("no such player %q", username)
	}
	s.sendError(p, "You have been kicked: "+reason, errCodeKicked)
	if p.Conn != nil {
		p.Conn.Close()
	}
	return nil
}

// Ban records a server-wide ban and kicks any matching player.
func (s *Server) Ban(target, kind, reason, bannedBy string, expires time.Time) error {
	if err := s.bans.add(target, kind, reason, bannedBy, expires); err != nil {
		return err
	}
	if kind == banKindName {
		if _, ok := s.players.ByName(target); ok {
			return s.Kick(target, "banned: "+reason)
		}
		return nil
	}
	for _, p := range s.players.All() {
		if p.Conn != nil && p.Conn.RemoteIP() == target {
			s.Kick(p.Username, "banned: "+reason)
		}
	}
	return nil
}

// Unban lifts all bans on target.
func (s *Server) Unban(target string) error { return s.bans.remove(target) }

// Bans returns the active server-wide ban list.
func (s *Server) Bans() []store.Ban { return s.bans.list() }

// TerminateGame force-ends a game, notifying its members.
func (s *Server) TerminateGame(id int, reason string) error {
	g, ok := s.games.Get(id)
	if !ok {
		return fmt.Errorf("no game %d", id)
	}
	replay := g.Replay()
	members := g.Members()
	for _, m := range members {
		s.sendError(m, "game terminated: "+reason, errCodeGameEnded)
		s.players.MoveToGame(m.ConnID(), session.LobbyGame)
		s.rooms.Restore(m)
	}
	// Leave of the final member terminates; walking the list covers the
	// hand-off chain.
	for _, m := range members {
		g.Leave(m)
	}
	s.finishGame(g, replay)
	s.broadcastGamelist()
	s.logger.Info().Int("game_id", id).Str("reason", reason).Msg("game terminated by admin")
	return nil
}

// Announce sends a server message to every room.
func (s *Server) Announce(text string) {
	for _, name := range s.rooms.List() {
		s.rooms.SystemMessage(name, text)
	}
}

// Shutdown asks the process to stop accepting and exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	cancel := s.shutdown
	s.mu.Unlock()
	s.Announce("server is shutting down")
	s.emit(events.EventShutdown, nil)
	if cancel != nil {
		cancel()
	}
}

// Status is a point-in-time operational summary.
type Status struct {
	Players     int           `json:"players"`
	Games       int           `json:"games"`
	Rooms       int           `json:"rooms"`
	Uptime      time.Duration `json:"uptime_ns"`
	UptimeHuman string        `json:"uptime"`
	Documents   int           `json:"documents"`
	DocBytes    int           `json:"doc_bytes"`
}

// CurrentStatus snapshots the server counters.
func (s *Server) CurrentStatus() Status {
	ds := s.docs.Stats()
	return Status{
		Players:     s.players.Count(),
		Games:       s.games.Count(),
		Rooms:       len(s.rooms.List()),
		Uptime:      s.Uptime(),
		UptimeHuman: s.Uptime().Round(time.Second).String(),
		Documents:   ds.Documents,
		DocBytes:    ds.Bytes,
	}
}

func parseGameID(node *wml.Node) (int, error) {
	raw, ok := node.Attr("id")
	if !ok {
		return 0, fmt.Errorf("missing game id")
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("bad game id %q", raw)
	}
	return id, nil
}
