package game

import (
	"fmt"
	"strconv"

	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// HandleChoice answers a synchronized-choice request. Only random seed
// generation is decided server side; the seed comes from the game's own
// RNG so no client can bias it. Request ids must be strictly increasing
// within a game, a repeat or out-of-order id is rejected so a lagging
// client cannot replay an old request.
func (g *Game) HandleChoice(p *session.Player, req *wml.Node) error {
	idStr, ok := req.Attr("request_id")
	if !ok {
		return fmt.Errorf("choice request without request_id")
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("bad request_id %q: %w", idStr, err)
	}

	g.mu.Lock()
	if !g.isMemberLocked(p) {
		g.mu.Unlock()
		return ErrNotMember
	}
	if id <= g.lastChoiceID {
		g.mu.Unlock()
		return ErrStaleChoiceRequest
	}
	g.lastChoiceID = id

	seed := g.rng.Uint32()
	members := g.membersLocked()
	g.mu.Unlock()

	doc := wml.New(g.reg)
	rs := doc.Root().AddChild("random_seed")
	rs.SetAttr("new_seed", fmt.Sprintf("%08x", seed))
	rs.SetAttr("request_id", idStr)
	for _, m := range members {
		g.send(m, doc)
	}
	doc.Close()
	return nil
}

// NextScenario swaps in the next level of a campaign: sides are
// re-derived, the turn counter resets and recorded history is cleared,
// while the game id, membership and host carry over. The persistence id
// advances so each scenario's replay stands alone; the displaced replay
// is returned for the caller to archive.
func (g *Game) NextScenario(p *session.Player, level *wml.Document) ([]*wml.Document, error) {
	g.mu.Lock()
	if g.owner == nil || g.owner.ConnID() != p.ConnID() {
		g.mu.Unlock()
		return nil, ErrNotHost
	}
	if !g.started {
		g.mu.Unlock()
		return nil, ErrNotStarted
	}

	old := g.replay
	oldChat := g.chat
	if g.level != nil {
		g.level.Close()
	}
	g.level = level
	g.sides = sidesFromLevel(level)
	g.turn = 1
	g.currentSide = 0
	g.replay = nil
	g.chat = nil
	g.lastChoiceID = 0
	g.dbID++

	// Re-seat everyone whose name a new side expects.
	for _, m := range g.players {
		g.takeSideLocked(m)
	}
	recipients := g.othersLocked(p)
	g.mu.Unlock()

	snapshot := level.Clone(g.reg)
	for _, m := range recipients {
		g.send(m, snapshot)
	}
	snapshot.Close()
	for _, d := range oldChat {
		d.Close()
	}
	g.logger.Info().Msg("advanced to next scenario")
	return old, nil
}
