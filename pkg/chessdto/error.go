package chessdto

// ErrorKind classifies an Error event.
type ErrorKind string

const (
	ErrAuthenticationFailed ErrorKind = "AuthenticationFailed"
	ErrSessionUnavailable   ErrorKind = "SessionUnavailable"
	ErrAccessDenied         ErrorKind = "AccessDenied"
	ErrNotAParticipant      ErrorKind = "NotAParticipant"
	ErrNotYourTurn          ErrorKind = "NotYourTurn"
	ErrIllegalMove          ErrorKind = "IllegalMove"
	ErrGameOver             ErrorKind = "GameOver"
	ErrGameNotStarted       ErrorKind = "GameNotStarted"
	ErrInvalidCommand       ErrorKind = "InvalidCommand"
	ErrInternal             ErrorKind = "Internal"
)

// ErrorBody is the payload of an Error event.
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// DomainError carries a kind through layers that only speak error.
type DomainError struct {
	Kind    ErrorKind
	Message string
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Kind != "" {
		return string(e.Kind)
	}
	return "chess session error"
}
