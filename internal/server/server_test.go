package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormhold-project/stormhold/internal/config"
	"github.com/stormhold-project/stormhold/internal/network"
	"github.com/stormhold-project/stormhold/internal/room"
	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wire"
	"github.com/stormhold-project/stormhold/internal/wml"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	srv := cfg.GetServer()
	srv.BindAddress = "127.0.0.1"
	srv.Port = 0
	srv.HandshakeTimeout = 5
	srv.ReadTimeout = 5
	srv.SaveReplays = false
	srv.DatabasePath = ""
	srv.TLSCertFile = ""
	srv.TLSKeyFile = ""
	cfg.SetServer(srv)
	return cfg
}

func docWith(build func(root *wml.Node)) *wml.Document {
	doc := wml.New(nil)
	build(doc.Root())
	return doc
}

func TestValidUsername(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"alice", true},
		{"Bob_2", true},
		{"x", false},
		{"", false},
		{"has space", false},
		{"server", false},
		{"Admin", false},
		{"waaaaaaaaaaaaaaaaaaaaaaaaaaytoolong", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, validUsername(tc.name), "username %q", tc.name)
	}
}

func TestGuestAuthenticator(t *testing.T) {
	_, _, err := GuestAuthenticator{AllowGuests: false}.Authenticate("alice", "")
	assert.Error(t, err)

	registered, moderator, err := GuestAuthenticator{AllowGuests: true}.Authenticate("alice", "")
	require.NoError(t, err)
	assert.False(t, registered)
	assert.False(t, moderator)
}

func TestDispatchIgnoresUnknownTag(t *testing.T) {
	s := New(testConfig(), nil, nil)
	p := session.NewTestPlayer("alice", 1)
	require.NoError(t, s.players.Add(p))

	doc := docWith(func(root *wml.Node) { root.AddChild("no_such_request") })
	defer doc.Close()
	assert.NoError(t, s.dispatch(p, doc), "unknown tags are dropped, not fatal")

	empty := wml.New(nil)
	defer empty.Close()
	assert.NoError(t, s.dispatch(p, empty), "empty document is a keepalive")
}

func TestFloodControlLimitsChat(t *testing.T) {
	cfg := testConfig()
	srv := cfg.GetServer()
	srv.FloodMessages = 2
	srv.FloodWindowSec = 60
	cfg.SetServer(srv)

	s := New(cfg, nil, nil)
	p := session.NewTestPlayer("alice", 1)
	require.NoError(t, s.players.Add(p))
	s.rooms.Join(p, room.LobbyName)

	say := func() error {
		doc := docWith(func(root *wml.Node) {
			root.AddChild("message").SetAttr("message", "hi")
		})
		defer doc.Close()
		return s.dispatch(p, doc)
	}

	require.NoError(t, say())
	require.NoError(t, say())
	assert.Error(t, say(), "third message inside the window trips the limit")
}

// startTestServer runs a full listener+orchestrator pair on an ephemeral
// port and returns the dialable address.
func startTestServer(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()
	s := New(cfg, nil, nil)
	l := network.NewListener(cfg, s)

	ctx, cancel := context.WithCancel(context.Background())
	go l.Start(ctx)
	t.Cleanup(func() {
		cancel()
		l.Stop()
	})

	deadline := time.Now().Add(2 * time.Second)
	for l.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s, l.Addr().String()
}

// client is a minimal test peer speaking the real wire protocol.
type client struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, binary.Write(conn, binary.BigEndian, wire.VersionPlain))
	var reply uint32
	require.NoError(t, binary.Read(conn, binary.BigEndian, &reply))
	require.Equal(t, wire.ReplyPlainAck, reply)
	return &client{t: t, conn: conn}
}

func (c *client) send(build func(root *wml.Node)) {
	c.t.Helper()
	doc := docWith(build)
	defer doc.Close()
	payload, err := wml.Compress([]byte(doc.Serialize()), wml.Gzip)
	require.NoError(c.t, err)
	require.NoError(c.t, wire.WriteFrame(c.conn, payload))
}

func (c *client) recv() *wml.Document {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := wire.ReadFrame(c.conn, 0)
	require.NoError(c.t, err)
	text, err := wml.Decompress(data, 0)
	require.NoError(c.t, err)
	doc, err := wml.Parse(text, nil)
	require.NoError(c.t, err)
	return doc
}

// expect reads one document and asserts its first top-level tag.
func (c *client) expect(tag string) *wml.Node {
	c.t.Helper()
	doc := c.recv()
	children := doc.Root().All()
	require.NotEmpty(c.t, children, "expected [%s], got empty document", tag)
	require.Equal(c.t, tag, children[0].Name())
	return children[0]
}

// login walks the full post-handshake sequence through the lobby.
func (c *client) login(username string) {
	c.t.Helper()
	c.expect("version")
	c.send(func(root *wml.Node) {
		root.AddChild("version").SetAttr("version", "1.0")
	})
	c.expect("mustlogin")
	c.send(func(root *wml.Node) {
		root.AddChild("login").SetAttr("username", username)
	})
	c.expect("join_lobby")
	c.expect("room_join")
	c.expect("message") // MOTD
	c.expect("gamelist")
}

func TestHandshakeNegotiateWithoutTLS(t *testing.T) {
	_, addr := startTestServer(t, testConfig())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, binary.Write(conn, binary.BigEndian, wire.VersionNegotiate))
	var reply uint32
	require.NoError(t, binary.Read(conn, binary.BigEndian, &reply))
	assert.Equal(t, wire.ReplyNoTLS, reply)
}

func TestHandshakeUnknownVersionCloses(t *testing.T) {
	_, addr := startTestServer(t, testConfig())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, binary.Write(conn, binary.BigEndian, uint32(7)))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply uint32
	err = binary.Read(conn, binary.BigEndian, &reply)
	assert.ErrorIs(t, err, io.EOF, "socket closes without a reply")
}

func TestLoginRejectsBadVersion(t *testing.T) {
	cfg := testConfig()
	srv := cfg.GetServer()
	srv.AcceptedVersions = []string{"2.0"}
	cfg.SetServer(srv)
	_, addr := startTestServer(t, cfg)

	c := dial(t, addr)
	c.expect("version")
	c.send(func(root *wml.Node) {
		root.AddChild("version").SetAttr("version", "1.0")
	})
	e := c.expect("error")
	assert.Equal(t, errCodeIncorrectVersion, e.AttrOr("error_code", ""))
}

func TestLoginRejectsInvalidAndDuplicateNames(t *testing.T) {
	srv, addr := startTestServer(t, testConfig())

	bad := dial(t, addr)
	bad.expect("version")
	bad.send(func(root *wml.Node) {
		root.AddChild("version").SetAttr("version", "1.0")
	})
	bad.expect("mustlogin")
	bad.send(func(root *wml.Node) {
		root.AddChild("login").SetAttr("username", "!!")
	})
	e := bad.expect("error")
	assert.Equal(t, errCodeInvalidName, e.AttrOr("error_code", ""))

	first := dial(t, addr)
	first.login("alice")

	dup := dial(t, addr)
	dup.expect("version")
	dup.send(func(root *wml.Node) {
		root.AddChild("version").SetAttr("version", "1.0")
	})
	dup.expect("mustlogin")
	dup.send(func(root *wml.Node) {
		root.AddChild("login").SetAttr("username", "ALICE")
	})
	e = dup.expect("error")
	assert.Equal(t, errCodeNameTaken, e.AttrOr("error_code", ""))

	assert.Equal(t, 1, srv.Players().Count())
}

func TestKickDisconnectsPlayer(t *testing.T) {
	srv, addr := startTestServer(t, testConfig())

	c := dial(t, addr)
	c.login("alice")

	require.NoError(t, srv.Kick("alice", "testing"))
	e := c.expect("error")
	assert.Equal(t, errCodeKicked, e.AttrOr("error_code", ""))

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := wire.ReadFrame(c.conn, 0)
	assert.Error(t, err, "connection is closed after the kick")
}

func TestLegacyDocumentLimitSelectsOlderBound(t *testing.T) {
	ask := func(c *client) {
		c.send(func(root *wml.Node) {
			root.AddChild("refresh_lobby").SetAttr("pad", strings.Repeat("x", 512))
		})
	}

	cfg := testConfig()
	srv := cfg.GetServer()
	srv.MaxDocumentSize = 128
	cfg.SetServer(srv)
	_, addr := startTestServer(t, cfg)

	c := dial(t, addr)
	c.login("alice")
	ask(c)
	e := c.expect("error")
	assert.Equal(t, errCodeBadDocument, e.AttrOr("error_code", ""))

	legacy := testConfig()
	srv = legacy.GetServer()
	srv.MaxDocumentSize = 128
	srv.LegacyDocumentLimit = true
	legacy.SetServer(srv)
	_, addr = startTestServer(t, legacy)

	c = dial(t, addr)
	c.login("alice")
	ask(c)
	c.expect("gamelist")
}

func TestQueryVersionAnswersAcceptedVersions(t *testing.T) {
	cfg := testConfig()
	srv := cfg.GetServer()
	srv.AcceptedVersions = []string{"1.0", "1.2"}
	cfg.SetServer(srv)
	_, addr := startTestServer(t, cfg)

	c := dial(t, addr)
	c.login("alice")
	c.send(func(root *wml.Node) {
		root.AddChild("query").SetAttr("type", "version")
	})
	msg := c.expect("message")
	assert.Equal(t, "accepted versions: 1.0 1.2", msg.AttrOr("message", ""))
}

func TestStaleChoiceRequestGetsErrorReply(t *testing.T) {
	_, addr := startTestServer(t, testConfig())

	host := dial(t, addr)
	host.login("alice")

	host.send(func(root *wml.Node) {
		cg := root.AddChild("create_game")
		cg.SetAttr("name", "seed duel")
		scen := cg.AddChild("scenario")
		scen.AddChild("side").SetAttr("controller", "human")
	})
	host.expect("create_game")
	host.send(func(root *wml.Node) { root.AddChild("start_game") })

	seed := func(id string) {
		host.send(func(root *wml.Node) {
			root.AddChild("random_seed").SetAttr("request_id", id)
		})
	}

	seed("1")
	rs := host.expect("random_seed")
	assert.Equal(t, "1", rs.AttrOr("request_id", ""))

	seed("1")
	e := host.expect("error")
	assert.Equal(t, errCodeStaleRequest, e.AttrOr("error_code", ""))

	// The rejection leaves the id counter untouched, so the next fresh
	// id still answers.
	seed("2")
	rs = host.expect("random_seed")
	assert.Equal(t, "2", rs.AttrOr("request_id", ""))
}

func TestEndToEndGameFlow(t *testing.T) {
	srv, addr := startTestServer(t, testConfig())

	host := dial(t, addr)
	host.login("alice")

	host.send(func(root *wml.Node) {
		cg := root.AddChild("create_game")
		cg.SetAttr("name", "border skirmish")
		scen := cg.AddChild("scenario")
		scen.AddChild("side").SetAttr("controller", "human")
		scen.AddChild("side").SetAttr("controller", "human")
	})
	ack := host.expect("create_game")
	assert.Equal(t, "1", ack.AttrOr("id", ""))

	obs := dial(t, addr)
	obs.login("bob")
	obs.send(func(root *wml.Node) {
		j := root.AddChild("join")
		j.SetAttr("id", "1")
		j.SetAttr("observe", "yes")
	})
	level := obs.expect("scenario")
	assert.Len(t, level.Children("side"), 2)

	join := host.expect("join")
	assert.Equal(t, "bob", join.AttrOr("player", ""))
	assert.Equal(t, "yes", join.AttrOr("observer", ""))

	host.send(func(root *wml.Node) { root.AddChild("start_game") })
	obs.expect("start_game")

	// The host controls the acting side, so its commands relay.
	host.send(func(root *wml.Node) {
		turn := root.AddChild("turn")
		cmd := turn.AddChild("command")
		cmd.AddChild("speak").SetAttr("message", "advancing")
	})
	relayed := obs.expect("turn")
	require.Len(t, relayed.Children("command"), 1)
	assert.NotNil(t, relayed.Children("command")[0].Child("speak"))

	host.send(func(root *wml.Node) { root.AddChild("end_turn") })
	relayed = obs.expect("turn")
	require.Len(t, relayed.Children("command"), 1)
	assert.NotNil(t, relayed.Children("command")[0].Child("end_turn"))

	// An observer's game action is filtered out; chat still relays.
	obs.send(func(root *wml.Node) {
		turn := root.AddChild("turn")
		cmd := turn.AddChild("command")
		cmd.AddChild("move").SetAttr("x", "4")
		chat := turn.AddChild("command")
		chat.AddChild("speak").SetAttr("message", "good luck")
	})
	relayed = host.expect("turn")
	cmds := relayed.Children("command")
	require.Len(t, cmds, 1)
	assert.NotNil(t, cmds[0].Child("speak"))
	assert.Nil(t, cmds[0].Child("move"))

	g, ok := srv.Games().Get(1)
	require.True(t, ok)
	_, side := g.Turn()
	assert.Equal(t, 2, side, "end_turn advanced the acting side")

	obs.send(func(root *wml.Node) {
		root.AddChild("query").SetAttr("type", "games")
	})
	msg := obs.expect("message")
	assert.Contains(t, msg.AttrOr("message", ""), "1 game")
}
