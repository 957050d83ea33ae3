// Package identity provides anonymous per-device participant identity.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ParticipantCookieName = "stepflow_pid"
	SessionHeaderName     = "X-Stepflow-Session-ID"
	DefaultSessionIDValue = "default"
	participantCookieAge  = 90 * 24 * time.Hour
)

type contextKey int

const (
	participantIDKey contextKey = iota
	sessionIDKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ParticipantIDFromContext extracts the participant ID from the request context.
func ParticipantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(participantIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WithIdentity returns a context carrying the given participant and session.
func WithIdentity(ctx context.Context, participantID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, participantIDKey, participantID)
	return context.WithValue(ctx, sessionIDKey, sanitizeSessionID(sessionID))
}

// IsValidParticipantID reports whether id has the shape issued by this package.
func IsValidParticipantID(id string) bool {
	if !strings.HasPrefix(id, "p_") {
		return false
	}
	parsed, err := uuid.Parse(id[2:])
	return err == nil && parsed.Version() == 4
}

func newParticipantID() string {
	return "p_" + uuid.NewString()
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func getOrCreateParticipantID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	id := ""
	if c, err := r.Cookie(ParticipantCookieName); err == nil && IsValidParticipantID(c.Value) {
		id = c.Value
	} else {
		id = newParticipantID()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ParticipantCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(participantCookieAge.Seconds()),
		Expires:  time.Now().Add(participantCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects the anonymous participant identity and per-tab
// session ID. The participant cookie is refreshed on every request.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			participantID := getOrCreateParticipantID(w, r, isDev)
			ctx := WithIdentity(r.Context(), participantID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
