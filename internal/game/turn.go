package game

import (
	"fmt"
	"strconv"

	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// HandleTurn processes a [turn] document from a member: filters its
// [command] children, records the surviving ones into the replay and
// relays them to everyone else. A command from a player who does not
// control the acting side is dropped unless it is pure chat or map
// annotation. [end_turn] advances the acting side.
func (g *Game) HandleTurn(p *session.Player, doc *wml.Document) error {
	g.mu.Lock()
	if !g.isMemberLocked(p) {
		g.mu.Unlock()
		return ErrNotMember
	}
	if !g.started {
		g.mu.Unlock()
		return ErrNotStarted
	}

	turn := doc.Root().Child("turn")
	if turn == nil {
		g.mu.Unlock()
		return nil
	}

	controlsTurn := g.controlsCurrentSideLocked(p)
	muted := g.mutedObs[p.ConnID()]

	filtered := wml.New(g.reg)
	out := filtered.Root().AddChild("turn")
	ended := false
	for _, cmd := range turn.Children("command") {
		if !g.commandAllowedLocked(cmd, controlsTurn, muted) {
			g.logger.Debug().Str("username", p.Username).Msg("dropped out-of-turn command")
			continue
		}
		wml.CopyNode(cmd, out.AddChild("command"))
		if cmd.Child("end_turn") != nil {
			ended = true
		}
	}

	if len(out.Children("command")) == 0 {
		g.mu.Unlock()
		filtered.Close()
		return nil
	}

	g.replay = append(g.replay, filtered)
	if ended {
		g.advanceSideLocked()
	}
	recipients := g.othersLocked(p)
	g.mu.Unlock()

	for _, m := range recipients {
		g.send(m, filtered)
	}
	return nil
}

// commandAllowedLocked decides whether a single [command] survives the
// filter. Chat and map annotations pass from any unmuted member; game
// actions require control of the acting side.
func (g *Game) commandAllowedLocked(cmd *wml.Node, controlsTurn, muted bool) bool {
	if controlsTurn {
		return true
	}
	if cmd.ChildCount() == 0 {
		return false
	}
	for _, child := range cmd.All() {
		switch child.Name() {
		case "speak":
			if muted {
				return false
			}
		case "label", "rename", "clear_labels":
		default:
			return false
		}
	}
	return true
}

func (g *Game) controlsCurrentSideLocked(p *session.Player) bool {
	if len(g.sides) == 0 {
		return false
	}
	s := g.sides[g.currentSide]
	return s.Owner != nil && s.Owner.ConnID() == p.ConnID()
}

// advanceSideLocked moves to the next side whose controller is not
// none, bumping the turn counter on wraparound.
func (g *Game) advanceSideLocked() {
	n := len(g.sides)
	if n == 0 {
		return
	}
	for i := 1; i <= n; i++ {
		idx := (g.currentSide + i) % n
		if idx == 0 {
			g.turn++
		}
		if g.sides[idx].Controller != ControllerNone {
			g.currentSide = idx
			return
		}
	}
}

// TransferSide reassigns a side's controller. The host may move any
// side; a side owner may give away their own. The transferee receives a
// private confirmation carrying its new role, everyone else sees the
// public controller change.
func (g *Game) TransferSide(requester *session.Player, sideNum int, to *session.Player) error {
	g.mu.Lock()
	var side *Side
	for _, s := range g.sides {
		if s.Index == sideNum {
			side = s
			break
		}
	}
	if side == nil {
		g.mu.Unlock()
		return fmt.Errorf("no side %d", sideNum)
	}
	isHost := g.owner != nil && g.owner.ConnID() == requester.ConnID()
	ownsSide := side.Owner != nil && side.Owner.ConnID() == requester.ConnID()
	if !isHost && !ownsSide {
		g.mu.Unlock()
		return ErrNotHost
	}
	if !g.isMemberLocked(to) {
		g.mu.Unlock()
		return ErrNotMember
	}

	side.Owner = to
	side.Controller = ControllerHuman
	// Promote an observer taking over a side into the player list.
	for i, m := range g.observers {
		if m.ConnID() == to.ConnID() {
			g.observers = append(g.observers[:i], g.observers[i+1:]...)
			g.players = append(g.players, to)
			break
		}
	}
	recipients := g.othersLocked(to)
	g.mu.Unlock()

	private := wml.New(g.reg)
	c := private.Root().AddChild("change_controller")
	c.SetAttr("controller", "human")
	c.SetAttr("is_local", "yes")
	c.SetAttr("player", to.Username)
	c.SetAttr("side", strconv.Itoa(sideNum))
	g.send(to, private)
	private.Close()

	public := wml.New(g.reg)
	c = public.Root().AddChild("change_controller")
	c.SetAttr("controller", "human")
	c.SetAttr("is_local", "no")
	c.SetAttr("player", to.Username)
	c.SetAttr("side", strconv.Itoa(sideNum))
	for _, m := range recipients {
		g.send(m, public)
	}
	public.Close()

	g.logger.Info().Int("side", sideNum).Str("to", to.Username).Msg("side transferred")
	return nil
}
