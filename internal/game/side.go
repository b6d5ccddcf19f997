package game

import (
	"github.com/stormhold-project/stormhold/internal/session"
	"github.com/stormhold-project/stormhold/internal/wml"
)

// Controller is the mode of control for a side, independent of which
// connection currently owns it.
type Controller int

const (
	ControllerNone Controller = iota
	ControllerHuman
	ControllerAI
	ControllerReserved
)

var controllerStrings = map[Controller]string{
	ControllerNone:     "none",
	ControllerHuman:    "human",
	ControllerAI:       "ai",
	ControllerReserved: "reserved",
}

// String returns the wire representation of the controller type.
func (c Controller) String() string {
	if s, ok := controllerStrings[c]; ok {
		return s
	}
	return "none"
}

// ParseController maps a wire string to a controller type. Unknown
// strings map to none.
func ParseController(s string) Controller {
	for c, str := range controllerStrings {
		if str == s {
			return c
		}
	}
	return ControllerNone
}

// Side is one playable slot of a scenario, ownable by at most one
// connection at a time.
type Side struct {
	// Index is the 1-based side number from the level document.
	Index int

	Controller Controller

	// Owner is the connection currently playing the side, nil when
	// unowned. Controller state survives an owner drop.
	Owner *session.Player

	// ReservedFor pre-binds the side to an expected username, typically
	// from a reloaded save.
	ReservedFor string

	// CurrentPlayer mirrors the level document's current_player value.
	CurrentPlayer string
}

// sidesFromLevel derives the side table from a level document. Sides
// live under the scenario (or snapshot) element; a bare side list at the
// root is accepted for tests and minimal levels.
func sidesFromLevel(level *wml.Document) []*Side {
	scope := level.Root()
	if s := scope.Child("scenario"); s != nil {
		scope = s
	} else if s := scope.Child("snapshot"); s != nil {
		scope = s
	}

	var sides []*Side
	for i, node := range scope.Children("side") {
		s := &Side{
			Index:         i + 1,
			Controller:    ParseController(node.AttrOr("controller", "human")),
			ReservedFor:   node.AttrOr("save_id", ""),
			CurrentPlayer: node.AttrOr("current_player", ""),
		}
		if s.Controller == ControllerReserved && s.ReservedFor == "" {
			s.ReservedFor = s.CurrentPlayer
		}
		sides = append(sides, s)
	}
	return sides
}

// claimable reports whether the side should be handed to username on
// join: a reserved/current-player name match, regardless of controller.
func (s *Side) claimable(username string) bool {
	if s.Owner != nil {
		return false
	}
	return (s.ReservedFor != "" && s.ReservedFor == username) ||
		(s.CurrentPlayer != "" && s.CurrentPlayer == username)
}

// open reports whether the side is a free human slot.
func (s *Side) open() bool {
	return s.Owner == nil && s.Controller == ControllerHuman
}
