package events

// Type identifies a kind of event on the bus.
type Type string

const (
	// Session events
	EventPlayerLogin  Type = "player_login"
	EventPlayerLogout Type = "player_logout"

	// Game lifecycle events
	EventGameCreated Type = "game_created"
	EventGameStarted Type = "game_started"
	EventGameEnded   Type = "game_ended"

	// Operational events
	EventServerStatus Type = "server_status"
	EventShutdown     Type = "shutdown"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Type    Type
	Source  string
	Payload interface{}
}

// PlayerPayload accompanies session events.
type PlayerPayload struct {
	Username string `json:"username"`
	Remote   string `json:"remote,omitempty"`
	Version  string `json:"version,omitempty"`
}

// GamePayload accompanies game lifecycle events.
type GamePayload struct {
	GameID  int    `json:"game_id"`
	Name    string `json:"name"`
	Host    string `json:"host,omitempty"`
	Players int    `json:"players"`
	Turns   int    `json:"turns,omitempty"`
}

// StatusPayload is the periodic operational snapshot.
type StatusPayload struct {
	Players   int    `json:"players"`
	Games     int    `json:"games"`
	Rooms     int    `json:"rooms"`
	UptimeSec int64  `json:"uptime_sec"`
	Documents int    `json:"documents"`
	DocBytes  int    `json:"doc_bytes"`
}
