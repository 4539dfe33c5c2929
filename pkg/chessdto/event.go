package chessdto

// EventType names an outbound event.
type EventType string

const (
	EventJoinAccepted EventType = "join_accepted"
	EventPlayerJoined EventType = "player_joined"
	EventPlayerLeft   EventType = "player_left"
	EventMoveApplied  EventType = "move_applied"
	EventGameOver     EventType = "game_over"
	EventError        EventType = "error"
)

// Participant is one seated player as seen by clients.
type Participant struct {
	UserID    string `json:"user_id"`
	Side      string `json:"side"`
	Connected bool   `json:"connected"`
}

// Flags are the terminal/check flags of the current position.
type Flags struct {
	Check     bool `json:"check"`
	Checkmate bool `json:"checkmate"`
	Stalemate bool `json:"stalemate"`
	Draw      bool `json:"draw"`
}

// Result is set once a game is finished. Winner nil means draw.
type Result struct {
	Winner *string `json:"winner"`
	Reason string  `json:"reason"`
}

// Move is an applied move.
type Move struct {
	Number    int    `json:"number"`
	Side      string `json:"side"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	SAN       string `json:"san"`
	UCI       string `json:"uci"`
}

// State is the post-move state carried by MoveApplied.
type State struct {
	Position string  `json:"position"`
	Turn     string  `json:"turn"`
	Status   string  `json:"status"`
	Flags    Flags   `json:"flags"`
	Result   *Result `json:"result,omitempty"`
}

// Snapshot is the full catch-up state sent on join.
type Snapshot struct {
	GameID       string        `json:"game_id"`
	Position     string        `json:"position"`
	Turn         string        `json:"turn"`
	Status       string        `json:"status"`
	Flags        Flags         `json:"flags"`
	Participants []Participant `json:"participants"`
	Moves        []Move        `json:"moves"`
	Result       *Result       `json:"result,omitempty"`
}

// Event is the single outbound envelope. Only the payload fields relevant
// to Type are set.
type Event struct {
	Type        EventType    `json:"type"`
	GameID      string       `json:"game_id,omitempty"`
	Snapshot    *Snapshot    `json:"snapshot,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Move        *Move        `json:"move,omitempty"`
	State       *State       `json:"state,omitempty"`
	Result      *Result      `json:"result,omitempty"`
	Error       *ErrorBody   `json:"error,omitempty"`
}

// ErrorEvent builds an Error event.
func ErrorEvent(gameID string, kind ErrorKind, message string) Event {
	return Event{Type: EventError, GameID: gameID, Error: &ErrorBody{Kind: kind, Message: message}}
}
