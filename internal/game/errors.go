package game

import "errors"

var (
	// ErrNoAvailableSide means a joining player matched no reserved side
	// and no unowned human side was free.
	ErrNoAvailableSide = errors.New("game: no available side")

	// ErrObserversNotAllowed means the game refuses observer joins.
	ErrObserversNotAllowed = errors.New("game: observers not allowed")

	// ErrStaleChoiceRequest means a random-seed request id was not
	// strictly greater than the last processed id.
	ErrStaleChoiceRequest = errors.New("game: stale choice request")

	// ErrPasswordMismatch means the join password was wrong.
	ErrPasswordMismatch = errors.New("game: password mismatch")

	// ErrNotHost means the requester lacks host privileges.
	ErrNotHost = errors.New("game: requires host privileges")

	// ErrAlreadyStarted means an operation is only valid before start.
	ErrAlreadyStarted = errors.New("game: already started")

	// ErrNotStarted means an operation is only valid after start.
	ErrNotStarted = errors.New("game: not started")

	// ErrBanned means the player is banned from this game by name or IP.
	ErrBanned = errors.New("game: banned from this game")

	// ErrNotMember means the player is not in this game.
	ErrNotMember = errors.New("game: not a member")
)
