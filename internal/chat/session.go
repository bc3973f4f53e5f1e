package chat

// Session is the explicit session context passed into resolver, store, and
// tracker calls. Identity is owned by the external identity collaborator; the
// core only consumes "who am I".
type Session struct {
	// SessionID identifies one open client session (one connection/tab).
	SessionID string
	// ParticipantID is the authenticated participant this session acts as.
	ParticipantID string
}

// Valid reports whether the session carries both identifiers.
func (s Session) Valid() bool {
	return s.SessionID != "" && s.ParticipantID != ""
}
