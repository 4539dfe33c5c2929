package chessdto

// CommandType names an inbound client command.
type CommandType string

const (
	CommandJoin   CommandType = "join"
	CommandMove   CommandType = "move"
	CommandResign CommandType = "resign"
)

// Command is one inbound frame from a client.
type Command struct {
	Type      CommandType `json:"type"`
	GameID    string      `json:"game_id"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Promotion string      `json:"promotion,omitempty"`
}
