package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// capture collects documents per recipient username.
type capture struct {
	docs map[string][]*wml.Document
}

func newCapture() *capture {
	return &capture{docs: make(map[string][]*wml.Document)}
}

func (c *capture) send(p *session.Player, doc *wml.Document) {
	c.docs[p.Username] = append(c.docs[p.Username], doc)
}

func (c *capture) reset() {
	c.docs = make(map[string][]*wml.Document)
}

func (c *capture) tags(username string) []string {
	var out []string
	for _, doc := range c.docs[username] {
		for _, child := range doc.Root().All() {
			out = append(out, child.Name())
		}
	}
	return out
}

func testLevel(t *testing.T, reg *wml.Registry, sides ...string) *wml.Document {
	t.Helper()
	doc := wml.New(reg)
	scen := doc.Root().AddChild("scenario")
	scen.SetAttr("id", "test")
	for _, ctrl := range sides {
		scen.AddChild("side").SetAttr("controller", ctrl)
	}
	return doc
}

func newTestGame(t *testing.T, c *capture, sides ...string) (*Game, *session.Player, *wml.Registry) {
	t.Helper()
	reg := wml.NewRegistry()
	host := session.NewTestPlayer("alice", 1)
	g := New(1, 1, "test game", host, testLevel(t, reg, sides...), Options{AllowObservers: true}, c.send, reg)
	return g, host, reg
}

func turnDoc(reg *wml.Registry, build func(cmd *wml.Node)) *wml.Document {
	doc := wml.New(reg)
	cmd := doc.Root().AddChild("turn").AddChild("command")
	build(cmd)
	return doc
}

func TestHostTakesFirstOpenSide(t *testing.T) {
	c := newCapture()
	g, host, _ := newTestGame(t, c, "human", "human")

	sides := g.Sides()
	require.Len(t, sides, 2)
	assert.Equal(t, host, sides[0].Owner)
	assert.Nil(t, sides[1].Owner)
}

func TestJoinPrefersReservedSide(t *testing.T) {
	c := newCapture()
	reg := wml.NewRegistry()
	host := session.NewTestPlayer("alice", 1)

	doc := wml.New(reg)
	scen := doc.Root().AddChild("scenario")
	s1 := scen.AddChild("side")
	s1.SetAttr("controller", "human")
	s1.SetAttr("save_id", "alice")
	scen.AddChild("side").SetAttr("controller", "human")
	s3 := scen.AddChild("side")
	s3.SetAttr("controller", "reserved")
	s3.SetAttr("save_id", "bob")

	g := New(1, 1, "reload", host, doc, Options{}, c.send, reg)
	sides := g.Sides()
	assert.Equal(t, host, sides[0].Owner, "host claims the side saved under its name")

	bob := session.NewTestPlayer("bob", 2)
	require.NoError(t, g.Join(bob, false, ""))
	sides = g.Sides()
	assert.Nil(t, sides[1].Owner, "open side 2 is skipped in favor of the reservation")
	assert.Equal(t, bob, sides[2].Owner)
	assert.Equal(t, ControllerHuman, sides[2].Controller)
}

func TestJoinNoAvailableSide(t *testing.T) {
	c := newCapture()
	g, _, _ := newTestGame(t, c, "human")

	bob := session.NewTestPlayer("bob", 2)
	assert.ErrorIs(t, g.Join(bob, false, ""), ErrNoAvailableSide)
}

func TestJoinPasswordAndObserverPolicy(t *testing.T) {
	c := newCapture()
	reg := wml.NewRegistry()
	host := session.NewTestPlayer("alice", 1)
	g := New(1, 1, "private", host, testLevel(t, reg, "human", "human"),
		Options{Password: "sekrit", AllowObservers: false}, c.send, reg)

	bob := session.NewTestPlayer("bob", 2)
	assert.ErrorIs(t, g.Join(bob, false, "wrong"), ErrPasswordMismatch)
	assert.ErrorIs(t, g.Join(bob, true, "sekrit"), ErrObserversNotAllowed)
	assert.NoError(t, g.Join(bob, false, "sekrit"))
}

func TestJoinerReceivesLevelAndHistory(t *testing.T) {
	c := newCapture()
	g, host, reg := newTestGame(t, c, "human", "human")

	bob := session.NewTestPlayer("bob", 2)
	require.NoError(t, g.Join(bob, false, ""))
	require.NoError(t, g.Start(host))
	require.NoError(t, g.HandleTurn(host, turnDoc(reg, func(cmd *wml.Node) {
		cmd.AddChild("move").SetAttr("x", "3")
	})))

	c.reset()
	eve := session.NewTestPlayer("eve", 3)
	require.NoError(t, g.Join(eve, true, ""))

	tags := c.tags("eve")
	require.NotEmpty(t, tags)
	assert.Equal(t, "scenario", tags[0], "level document comes first")
	assert.Contains(t, tags, "turn", "replay history is included")
	assert.Equal(t, []string{"join"}, c.tags("alice"))
	assert.Equal(t, []string{"join"}, c.tags("bob"))
}

func TestTurnRelayFiltersOutOfTurnCommands(t *testing.T) {
	c := newCapture()
	g, host, reg := newTestGame(t, c, "human", "human")
	bob := session.NewTestPlayer("bob", 2)
	require.NoError(t, g.Join(bob, false, ""))
	require.NoError(t, g.Start(host))
	c.reset()

	// Side 1 (alice) is acting. Bob's move must be dropped.
	err := g.HandleTurn(bob, turnDoc(reg, func(cmd *wml.Node) {
		cmd.AddChild("move").SetAttr("x", "5")
	}))
	require.NoError(t, err)
	assert.Empty(t, c.tags("alice"), "out-of-turn command is not relayed")
	assert.Empty(t, g.Replay())

	// Bob's chat and labels still pass.
	err = g.HandleTurn(bob, turnDoc(reg, func(cmd *wml.Node) {
		sp := cmd.AddChild("speak")
		sp.SetAttr("message", "nice move")
		sp.SetAttr("sender", "bob")
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"turn"}, c.tags("alice"))
	require.Len(t, g.Replay(), 1)

	// A mixed command from the acting player passes whole.
	c.reset()
	err = g.HandleTurn(host, turnDoc(reg, func(cmd *wml.Node) {
		cmd.AddChild("move").SetAttr("x", "7")
		cmd.AddChild("end_turn")
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"turn"}, c.tags("bob"))
	require.Len(t, g.Replay(), 2)
}

func TestEndTurnAdvancesSkippingEmptyControllers(t *testing.T) {
	c := newCapture()
	g, host, reg := newTestGame(t, c, "human", "none", "human")
	bob := session.NewTestPlayer("bob", 2)
	require.NoError(t, g.Join(bob, false, ""))
	require.NoError(t, g.Start(host))

	turn, side := g.Turn()
	assert.Equal(t, 1, turn)
	assert.Equal(t, 1, side)

	endTurn := func(p *session.Player) {
		require.NoError(t, g.HandleTurn(p, turnDoc(reg, func(cmd *wml.Node) {
			cmd.AddChild("end_turn")
		})))
	}

	endTurn(host)
	turn, side = g.Turn()
	assert.Equal(t, 1, turn)
	assert.Equal(t, 3, side, "side 2 has controller none and is skipped")

	endTurn(bob)
	turn, side = g.Turn()
	assert.Equal(t, 2, turn, "wraparound bumps the turn counter")
	assert.Equal(t, 1, side)
}

func TestHostLeavingUnstartedGameTerminates(t *testing.T) {
	c := newCapture()
	g, host, _ := newTestGame(t, c, "human", "human")
	bob := session.NewTestPlayer("bob", 2)
	require.NoError(t, g.Join(bob, false, ""))

	assert.True(t, g.Leave(host))
}

func TestHostHandOffToEarliestJoined(t *testing.T) {
	c := newCapture()
	g, host, _ := newTestGame(t, c, "human", "human", "human")
	bob := session.NewTestPlayer("bob", 2)
	eve := session.NewTestPlayer("eve", 3)
	require.NoError(t, g.Join(bob, false, ""))
	require.NoError(t, g.Join(eve, false, ""))
	require.NoError(t, g.Start(host))
	c.reset()

	terminated := g.Leave(host)
	assert.False(t, terminated, "started game survives the host leaving")
	assert.Equal(t, bob, g.Owner(), "earliest-joined player becomes host")

	assert.Contains(t, c.tags("bob"), "host_transfer")
	assert.NotContains(t, c.tags("eve"), "host_transfer")
	assert.Contains(t, c.tags("eve"), "message", "others see the announcement")

	// The departed host's side is released but keeps its controller.
	sides := g.Sides()
	assert.Nil(t, sides[0].Owner)
	assert.Equal(t, ControllerHuman, sides[0].Controller)
}

func TestLastMemberLeavingTerminates(t *testing.T) {
	c := newCapture()
	g, host, _ := newTestGame(t, c, "human")
	require.NoError(t, g.Start(host))
	assert.True(t, g.Leave(host))
}

func TestTransferSideMessageShapes(t *testing.T) {
	c := newCapture()
	g, host, _ := newTestGame(t, c, "human", "human")
	bob := session.NewTestPlayer("bob", 2)
	eve := session.NewTestPlayer("eve", 3)
	require.NoError(t, g.Join(bob, false, ""))
	require.NoError(t, g.Join(eve, true, ""))
	c.reset()

	assert.ErrorIs(t, g.TransferSide(bob, 1, eve), ErrNotHost)
	require.NoError(t, g.TransferSide(host, 1, eve))

	requireOne := func(username string) *wml.Node {
		var found *wml.Node
		for _, doc := range c.docs[username] {
			if n := doc.Root().Child("change_controller"); n != nil {
				require.Nil(t, found)
				found = n
			}
		}
		require.NotNil(t, found)
		return found
	}
	assert.Equal(t, "yes", requireOne("eve").AttrOr("is_local", ""))
	assert.Equal(t, "no", requireOne("bob").AttrOr("is_local", ""))

	sides := g.Sides()
	assert.Equal(t, eve, sides[0].Owner)
	assert.False(t, g.IsObserver(eve), "observer taking a side becomes a player")
}

func TestChoiceRequestIDsStrictlyIncrease(t *testing.T) {
	c := newCapture()
	g, host, reg := newTestGame(t, c, "human")
	require.NoError(t, g.Start(host))

	req := func(id string) *wml.Node {
		doc := wml.New(reg)
		return doc.Root().AddChild("random_seed").SetAttr("request_id", id)
	}

	require.NoError(t, g.HandleChoice(host, req("1")))
	require.NoError(t, g.HandleChoice(host, req("2")))
	assert.ErrorIs(t, g.HandleChoice(host, req("2")), ErrStaleChoiceRequest)
	assert.ErrorIs(t, g.HandleChoice(host, req("1")), ErrStaleChoiceRequest)
	require.NoError(t, g.HandleChoice(host, req("10")))

	var seeds []string
	for _, doc := range c.docs["alice"] {
		if n := doc.Root().Child("random_seed"); n != nil {
			seeds = append(seeds, n.AttrOr("new_seed", ""))
			assert.Len(t, n.AttrOr("new_seed", ""), 8)
		}
	}
	assert.Len(t, seeds, 3)
}

func TestNextScenarioResetsStateKeepsMembership(t *testing.T) {
	c := newCapture()
	g, host, reg := newTestGame(t, c, "human", "human")
	bob := session.NewTestPlayer("bob", 2)
	require.NoError(t, g.Join(bob, false, ""))
	require.NoError(t, g.Start(host))
	require.NoError(t, g.HandleTurn(host, turnDoc(reg, func(cmd *wml.Node) {
		cmd.AddChild("end_turn")
	})))
	oldDB := g.DBID()

	next := testLevel(t, reg, "human", "human", "ai")
	archived, err := g.NextScenario(host, next)
	require.NoError(t, err)
	assert.Len(t, archived, 1, "previous replay is handed back for archiving")

	assert.Empty(t, g.Replay())
	assert.Len(t, g.Sides(), 3)
	assert.Equal(t, oldDB+1, g.DBID())
	assert.Equal(t, host, g.Owner())
	assert.Len(t, g.Members(), 2)
	turn, side := g.Turn()
	assert.Equal(t, 1, turn)
	assert.Equal(t, 1, side)
}

func TestGameBans(t *testing.T) {
	c := newCapture()
	g, host, _ := newTestGame(t, c, "human", "human")
	require.NoError(t, g.BanName(host, "bob"))

	bob := session.NewTestPlayer("bob", 2)
	assert.ErrorIs(t, g.Join(bob, false, ""), ErrBanned)
}

func TestManagerListDoc(t *testing.T) {
	c := newCapture()
	reg := wml.NewRegistry()
	m := NewManager(c.send, reg)

	host := session.NewTestPlayer("alice", 1)
	g := m.Create("open game", host, testLevel(t, reg, "human", "human"), Options{AllowObservers: true})
	assert.Equal(t, 1, g.ID())

	host2 := session.NewTestPlayer("bob", 2)
	m.Create("second", host2, testLevel(t, reg, "human"), Options{Password: "x"})

	doc := m.ListDoc()
	games := doc.Root().Child("gamelist").Children("game")
	require.Len(t, games, 2)
	assert.Equal(t, "open game", games[0].AttrOr("name", ""))
	assert.Equal(t, "yes", games[1].AttrOr("password", ""))
	assert.Equal(t, "1", games[0].AttrOr("player_count", ""))

	m.Remove(g.ID())
	assert.Equal(t, 1, m.Count())
}

func TestReleaseReturnsDocumentAccounting(t *testing.T) {
	c := newCapture()
	g, host, reg := newTestGame(t, c, "human")
	require.NoError(t, g.Start(host))
	require.NoError(t, g.SpeakAll(host, "gg"))

	assert.Equal(t, 2, reg.Stats().Documents, "level and chat history are retained")
	g.Release()
	assert.Zero(t, reg.Stats().Documents)
}

func TestDropSideReleasesAndNotifies(t *testing.T) {
	c := newCapture()
	g, host, _ := newTestGame(t, c, "human", "human")
	bob := session.NewTestPlayer("bob", 2)
	require.NoError(t, g.Join(bob, false, ""))

	c.reset()
	require.NoError(t, g.DropSide(bob))

	sides := g.Sides()
	assert.Equal(t, host, sides[0].Owner)
	assert.Nil(t, sides[1].Owner)
	assert.Equal(t, ControllerHuman, sides[1].Controller, "controller survives the drop")
	assert.Contains(t, c.tags("alice"), "side_drop")

	assert.Error(t, g.DropSide(bob), "an observer holds no side")
}
