package popbox

import (
	"context"
	"fmt"
	"strings"
)

// Session describes the user on whose behalf the mailbox is accessed
type Session struct {
	ContextID int
	UserID    int
	Login     string
	Locale    string
}

// Scope returns the metadata scope of the session
func (s *Session) Scope() Scope {
	return Scope{ContextID: s.ContextID, UserID: s.UserID}
}

// String identifies the session in logs without exposing the login
func (s *Session) String() string {
	return fmt.Sprintf("%d/%d(%s)", s.ContextID, s.UserID, MaskLogin(s.Login))
}

// SessionProvider resolves the calling user
type SessionProvider interface {
	Session(ctx context.Context) (*Session, error)
}

// StaticSession is a SessionProvider that always returns the same session
type StaticSession Session

// Session returns a copy of the static session
func (s StaticSession) Session(ctx context.Context) (*Session, error) {
	session := Session(s)
	return &session, nil
}

// MaskLogin hides most of a login or address for logging, keeping the first
// and last character of each part
func MaskLogin(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 2 {
			return strings.Repeat("*", len(part))
		}
		return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
	}

	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return mask(s)
	}
	return mask(s[:at]) + "@" + s[at+1:]
}
