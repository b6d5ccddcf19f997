package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stormhold-project/stormhold/internal/events"
	"github.com/stormhold-project/stormhold/internal/game"
	"github.com/stormhold-project/stormhold/internal/room"
	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

func (s *Server) handlePing(p *session.Player, node *wml.Node) error {
	return nil
}

func (s *Server) handleRefreshLobby(p *session.Player, node *wml.Node) error {
	s.sendGamelist(p)
	return nil
}

// flooding applies the chat rate limit and tells the player off when it
// trips.
func (s *Server) flooding(p *session.Player) bool {
	srv := s.cfg.GetServer()
	window := time.Duration(srv.FloodWindowSec) * time.Second
	if !p.RecordMessage(time.Now(), srv.FloodMessages, window) {
		return false
	}
	s.sendError(p, "you are sending messages too fast", errCodeFlood)
	return true
}

func (s *Server) handleMessage(p *session.Player, node *wml.Node) error {
	if p.Muted() {
		return nil
	}
	if s.flooding(p) {
		return fmt.Errorf("flood limit hit by %q", p.Username)
	}
	text := node.AttrOr("message", "")
	target := node.AttrOr("room", room.LobbyName)
	if err := s.rooms.Speak(p, target, text); err != nil {
		s.sendError(p, err.Error(), errCodeBadRequest)
		return err
	}
	return nil
}

func (s *Server) handleWhisper(p *session.Player, node *wml.Node) error {
	if p.Muted() {
		return nil
	}
	if s.flooding(p) {
		return fmt.Errorf("flood limit hit by %q", p.Username)
	}
	receiver := node.AttrOr("receiver", "")
	target, ok := s.players.ByName(receiver)
	if !ok {
		s.sendError(p, fmt.Sprintf("no player named %q online", receiver), errCodeBadRequest)
		return fmt.Errorf("whisper to unknown player %q", receiver)
	}
	doc := wml.New(s.docs)
	w := doc.Root().AddChild("whisper")
	w.SetAttr("message", node.AttrOr("message", ""))
	w.SetAttr("receiver", receiver)
	w.SetAttr("sender", p.Username)
	s.sendDoc(target, doc)
	doc.Close()
	return nil
}

func (s *Server) handleRoomJoin(p *session.Player, node *wml.Node) error {
	if p.InGame() {
		s.sendError(p, "cannot join rooms while in a game", errCodeBadRequest)
		return fmt.Errorf("room join while in game")
	}
	name := node.AttrOr("room", "")
	if name == "" {
		s.sendError(p, "room name required", errCodeBadRequest)
		return fmt.Errorf("empty room name")
	}
	s.rooms.Join(p, name)
	return nil
}

func (s *Server) handleRoomPart(p *session.Player, node *wml.Node) error {
	if err := s.rooms.Part(p, node.AttrOr("room", "")); err != nil {
		s.sendError(p, err.Error(), errCodeBadRequest)
		return err
	}
	return nil
}

// handleRoomQuery answers with either the room list or one room's
// member list.
func (s *Server) handleRoomQuery(p *session.Player, node *wml.Node) error {
	doc := wml.New(s.docs)
	resp := doc.Root().AddChild("room_query_response")
	defer doc.Close()

	if name := node.AttrOr("room", ""); name != "" {
		members := s.rooms.Members(name)
		if members == nil {
			s.sendError(p, fmt.Sprintf("no such room %q", name), errCodeBadRequest)
			return fmt.Errorf("query of unknown room %q", name)
		}
		resp.SetAttr("room", name)
		for _, m := range members {
			resp.AddChild("member").SetAttr("name", m.Username)
		}
		s.sendDoc(p, doc)
		return nil
	}
	for _, name := range s.rooms.List() {
		resp.AddChild("room").SetAttr("name", name)
	}
	s.sendDoc(p, doc)
	return nil
}

// handleQuery answers lobby status questions with a server message.
func (s *Server) handleQuery(p *session.Player, node *wml.Node) error {
	srv := s.cfg.GetServer()
	var text string
	switch q := node.AttrOr("type", "status"); q {
	case "status", "":
		st := s.CurrentStatus()
		text = fmt.Sprintf("%d players, %d games, up %s", st.Players, st.Games, st.UptimeHuman)
	case "games":
		text = fmt.Sprintf("%d games in progress", s.games.Count())
	case "motd":
		text = srv.MOTD
	case "version":
		text = "accepted versions: " + strings.Join(srv.AcceptedVersions, " ")
	default:
		s.sendError(p, fmt.Sprintf("unknown query %q", q), errCodeBadRequest)
		return fmt.Errorf("unknown query %q", q)
	}
	doc := wml.New(s.docs)
	m := doc.Root().AddChild("message")
	m.SetAttr("message", text)
	m.SetAttr("sender", "server")
	s.sendDoc(p, doc)
	doc.Close()
	return nil
}

// handleNickserv covers account service requests. Accounts live in the
// authentication backend; the built-in guest backend has none.
func (s *Server) handleNickserv(p *session.Player, node *wml.Node) error {
	text := "this server does not manage accounts"
	if p.Registered {
		text = fmt.Sprintf("%s is a registered account", p.Username)
	}
	doc := wml.New(s.docs)
	m := doc.Root().AddChild("message")
	m.SetAttr("message", text)
	m.SetAttr("sender", "server")
	s.sendDoc(p, doc)
	doc.Close()
	return nil
}

func (s *Server) handleCreateGame(p *session.Player, node *wml.Node) error {
	if p.InGame() {
		s.sendError(p, "already in a game", errCodeBadRequest)
		return fmt.Errorf("create_game while in game")
	}
	name := node.AttrOr("name", p.Username+"'s game")

	level := wml.New(s.docs)
	if scen := node.Child("scenario"); scen != nil {
		wml.CopyNode(scen, level.Root().AddChild("scenario"))
	}

	g := s.games.Create(name, p, level, game.Options{
		Password:       node.AttrOr("password", ""),
		AllowObservers: node.AttrOr("observer", "yes") != "no",
	})

	p.RememberRooms()
	s.rooms.ExitAll(p)
	s.players.MoveToGame(p.ConnID(), g.ID())
	s.broadcastGamelist()

	ack := wml.New(s.docs)
	ack.Root().AddChild("create_game").SetAttr("id", strconv.Itoa(g.ID()))
	s.sendDoc(p, ack)
	ack.Close()

	s.logger.Info().Int("game_id", g.ID()).Str("host", p.Username).Str("name", name).Msg("game created")
	s.emit(events.EventGameCreated, events.GamePayload{
		GameID:  g.ID(),
		Name:    name,
		Host:    p.Username,
		Players: 1,
	})
	return nil
}

func (s *Server) handleJoin(p *session.Player, node *wml.Node) error {
	return s.joinGame(p, node, node.AttrOr("observe", "no") == "yes")
}

// handleObserve is the dedicated observer entry point; [join] with an
// observe attribute lands in the same place.
func (s *Server) handleObserve(p *session.Player, node *wml.Node) error {
	return s.joinGame(p, node, true)
}

func (s *Server) joinGame(p *session.Player, node *wml.Node, observer bool) error {
	if p.InGame() {
		s.sendError(p, "already in a game", errCodeBadRequest)
		return fmt.Errorf("join while in game")
	}
	id, err := parseGameID(node)
	if err != nil {
		s.sendError(p, err.Error(), errCodeBadRequest)
		return err
	}
	g, ok := s.games.Get(id)
	if !ok {
		s.sendError(p, fmt.Sprintf("no game with id %d", id), errCodeBadRequest)
		return fmt.Errorf("join of unknown game %d", id)
	}

	if err := g.Join(p, observer, node.AttrOr("password", "")); err != nil {
		s.sendError(p, joinErrorText(err), errCodeGameError)
		return err
	}

	p.RememberRooms()
	s.rooms.ExitAll(p)
	s.players.MoveToGame(p.ConnID(), g.ID())
	s.broadcastGamelist()
	return nil
}

func joinErrorText(err error) string {
	switch {
	case errors.Is(err, game.ErrPasswordMismatch):
		return "incorrect password"
	case errors.Is(err, game.ErrObserversNotAllowed):
		return "this game does not admit observers"
	case errors.Is(err, game.ErrNoAvailableSide):
		return "no side is available in this game"
	case errors.Is(err, game.ErrBanned):
		return "you are banned from this game"
	default:
		return err.Error()
	}
}

// inGame resolves the player's current game or reports the error to
// them.
func (s *Server) inGame(p *session.Player) (*game.Game, error) {
	g, ok := s.games.Get(p.GameID())
	if !ok {
		s.sendError(p, "not in a game", errCodeBadRequest)
		return nil, fmt.Errorf("%q is not in a game", p.Username)
	}
	return g, nil
}

func (s *Server) handleLeaveGame(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	s.leaveGame(p, g)
	s.rooms.Restore(p)
	s.sendGamelist(p)
	return nil
}

func (s *Server) handleStartGame(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	if err := g.Start(p); err != nil {
		s.sendError(p, err.Error(), errCodeGameError)
		return err
	}
	s.broadcastGamelist()
	s.emit(events.EventGameStarted, events.GamePayload{
		GameID:  g.ID(),
		Name:    g.Name(),
		Host:    p.Username,
		Players: len(g.Members()),
	})
	return nil
}

func (s *Server) handleTurn(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	return g.HandleTurn(p, node.Doc())
}

// handleEndTurn wraps a bare [end_turn] into the regular turn pipeline
// so filtering, replay recording and side advance all apply.
func (s *Server) handleEndTurn(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	doc := wml.New(s.docs)
	doc.Root().AddChild("turn").AddChild("command").AddChild("end_turn")
	defer doc.Close()
	return g.HandleTurn(p, doc)
}

func (s *Server) handleSideDrop(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	if err := g.DropSide(p); err != nil {
		s.sendError(p, err.Error(), errCodeGameError)
		return err
	}
	return nil
}

func (s *Server) handleSpeak(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	if s.flooding(p) {
		return fmt.Errorf("flood limit hit by %q", p.Username)
	}
	return g.SpeakAll(p, node.AttrOr("message", ""))
}

func (s *Server) handleChoice(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	if err := g.HandleChoice(p, node); err != nil {
		code := errCodeGameError
		if errors.Is(err, game.ErrStaleChoiceRequest) {
			code = errCodeStaleRequest
		}
		s.sendError(p, err.Error(), code)
		return err
	}
	return nil
}

func (s *Server) handleChangeController(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	sideNum, err := strconv.Atoi(node.AttrOr("side", ""))
	if err != nil {
		s.sendError(p, "bad side number", errCodeBadRequest)
		return err
	}
	target, ok := s.players.ByName(node.AttrOr("player", ""))
	if !ok {
		s.sendError(p, "no such player", errCodeBadRequest)
		return fmt.Errorf("controller change to unknown player")
	}
	if err := g.TransferSide(p, sideNum, target); err != nil {
		s.sendError(p, err.Error(), errCodeGameError)
		return err
	}
	return nil
}

func (s *Server) handleScenarioDiff(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	diff := wml.New(s.docs)
	for _, child := range node.All() {
		wml.CopyNode(child, diff.Root().AddChild(child.Name()))
	}
	defer diff.Close()
	if err := g.ApplyScenarioDiff(p, diff); err != nil {
		s.sendError(p, err.Error(), errCodeGameError)
		return err
	}
	return nil
}

func (s *Server) handleNextScenario(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	level := wml.New(s.docs)
	if scen := node.Child("scenario"); scen != nil {
		wml.CopyNode(scen, level.Root().AddChild("scenario"))
	}
	archived, err := g.NextScenario(p, level)
	if err != nil {
		level.Close()
		s.sendError(p, err.Error(), errCodeGameError)
		return err
	}
	s.finishScenario(g, archived)
	return nil
}

// finishScenario archives the replay of a completed scenario while the
// game itself lives on, then releases the displaced documents.
func (s *Server) finishScenario(g *game.Game, replay []*wml.Document) {
	srv := s.cfg.GetServer()
	if s.store != nil && srv.SaveReplays && len(replay) > 0 {
		var buf []byte
		for _, doc := range replay {
			buf = append(buf, doc.Serialize()...)
		}
		// The persistence id was already advanced; the archived scenario
		// is the previous one.
		dbID, name := g.DBID()-1, g.Name()
		go s.store.SaveReplay(dbID, name, "", buf)
	}
	for _, doc := range replay {
		doc.Close()
	}
}

func (s *Server) handleKickBan(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	target, ok := s.players.ByName(node.AttrOr("player", ""))
	if !ok || !g.IsMember(target) {
		s.sendError(p, "no such player in this game", errCodeBadRequest)
		return fmt.Errorf("kick of unknown player")
	}
	if node.AttrOr("ban", "no") == "yes" {
		if err := g.BanName(p, target.Username); err != nil {
			s.sendError(p, err.Error(), errCodeGameError)
			return err
		}
		if target.Conn != nil {
			g.BanIP(p, target.Conn.RemoteIP())
		}
	} else if p != g.Owner() {
		s.sendError(p, game.ErrNotHost.Error(), errCodeGameError)
		return game.ErrNotHost
	}
	s.sendError(target, "you have been removed from the game", errCodeKicked)
	s.leaveGame(target, g)
	s.rooms.Restore(target)
	s.sendGamelist(target)
	return nil
}

func (s *Server) handleMuteObserver(p *session.Player, node *wml.Node) error {
	g, err := s.inGame(p)
	if err != nil {
		return err
	}
	target, ok := s.players.ByName(node.AttrOr("player", ""))
	if !ok {
		s.sendError(p, "no such player", errCodeBadRequest)
		return fmt.Errorf("mute of unknown player")
	}
	muted := node.AttrOr("mute", "yes") == "yes"
	if err := g.MuteObserver(p, target, muted); err != nil {
		s.sendError(p, err.Error(), errCodeGameError)
		return err
	}
	return nil
}
