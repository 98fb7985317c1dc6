package auth

type contextKey string

// SessionContextKey carries the resolved *store.Session through request
// contexts.
const SessionContextKey contextKey = "session"

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
