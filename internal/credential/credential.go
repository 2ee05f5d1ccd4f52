// Package credential manages the bearer token and cookie jar used to
// authenticate against Stockbit's REST and WebSocket endpoints.
//
// Grounded on the teacher's session persistence pattern
// (internal/broker/zerodha.go's sessionData/loadSession/saveSession) and
// on original_source/auth.py's TokenManager: a credential is accepted and
// stored opaquely even when it cannot be decoded as a JWT, because the
// pipeline's job is to carry whatever Stockbit issued, not to second-guess
// it.
package credential

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "stockbit-ingest/internal/errors"
)

// Credential is the persisted shape of the bearer token and cookie jar,
// carrying config_data/token.json's on-disk schema fields: access_token
// (string), cookies (string or null, the raw Cookie header value),
// expires_at (ISO-8601 or null) and user_id (int or null). It also
// persists issued_at and decoded_jwt, which that schema does not list.
type Credential struct {
	AccessToken string     `json:"access_token"`
	Cookies     string     `json:"cookies,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"` // from JWT "exp" claim
	UserID      *int       `json:"user_id,omitempty"`    // best-effort, from JWT "sub" or "user_id" claim
	IssuedAt    time.Time  `json:"issued_at"`
	DecodedJWT  bool       `json:"decoded_jwt"` // false if the token did not parse as a 3-part JWT
}

// Status summarizes a Credential for the control facade / CLI without
// exposing the raw token.
type Status struct {
	HasToken        bool
	Valid           bool // also true when expiry is unknown; see Unknown
	Unknown         bool // ExpiresAt could not be determined
	TimeUntilExpiry time.Duration
	ExpiresAt       *time.Time
	UserID          *int
}

// Store guards a Credential behind a mutex and persists it to disk with
// an atomic tempfile-then-rename write, matching the teacher's
// save-session idiom but without encryption: the spec requires a plain
// JSON file, not AES like the teacher's internal/security package.
type Store struct {
	mu   sync.RWMutex
	path string
	cred Credential
}

// Open loads a credential store rooted at path, creating an empty one in
// memory if no file exists yet. path is typically config.CredentialPath(...).
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, pkgerrors.NewCredentialError("open", "failed to read credential file", pkgerrors.KindFatal, err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		// A corrupt file is a fatal local problem, not a Stockbit-side
		// auth failure -- surface it rather than silently starting empty.
		return nil, pkgerrors.NewCredentialError("open", "failed to parse credential file", pkgerrors.KindFatal, err)
	}
	s.cred = cred
	return s, nil
}

// SetToken stores a new bearer token and cookie jar. cookies is the raw
// Cookie header value (e.g. "sid=abc; ref=1"), stored opaquely. SetToken
// best-effort decodes the token as a JWT to populate ExpiresAt/UserID but
// never rejects the token for failing to parse -- validity then becomes
// "unknown" rather than "invalid".
func (s *Store) SetToken(token, cookies string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred := Credential{
		AccessToken: token,
		Cookies:     cookies,
		IssuedAt:    time.Now().UTC(),
	}

	if claims, ok := decodeJWTClaims(token); ok {
		cred.DecodedJWT = true
		if exp, ok := claims["exp"].(float64); ok {
			expAt := time.Unix(int64(exp), 0).UTC()
			cred.ExpiresAt = &expAt
		}
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			if uid, err := strconv.Atoi(sub); err == nil {
				cred.UserID = &uid
			}
		} else if uid, ok := claims["user_id"].(float64); ok {
			uidInt := int(uid)
			cred.UserID = &uidInt
		}
	}

	s.cred = cred
	return s.persist()
}

// Token returns the currently stored bearer token, or "" if none is set.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.AccessToken
}

// Cookies returns the raw Cookie header value currently stored, or "" if
// none is set.
func (s *Store) Cookies() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Cookies
}

// IsValid reports whether the stored token is believed unexpired. When
// expiry could not be determined (no JWT "exp" claim, or the token did
// not decode as a JWT) it returns true -- absence of evidence of expiry
// is not evidence of expiry, and Stockbit's own 401 response is the
// authoritative signal.
func (s *Store) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred.AccessToken == "" {
		return false
	}
	if s.cred.ExpiresAt == nil {
		return true
	}
	return time.Now().UTC().Before(*s.cred.ExpiresAt)
}

// TimeUntilExpiry returns the duration until expiry, or 0 if already
// expired, or -1 if expiry is unknown.
func (s *Store) TimeUntilExpiry() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred.ExpiresAt == nil {
		return -1
	}
	remaining := s.cred.ExpiresAt.Sub(time.Now().UTC())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MarkInvalid clears the token after the server rejects it (401/403),
// forcing the next caller to supply a fresh one. Cookies are cleared too
// since Stockbit issues them together.
func (s *Store) MarkInvalid() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = Credential{}
	return s.persist()
}

// Clear removes the stored credential entirely, including the file on
// disk.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = Credential{}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return pkgerrors.NewCredentialError("clear", "failed to remove credential file", pkgerrors.KindFatal, err)
	}
	return nil
}

// GetStatus reports the credential's current state for display, never
// exposing the raw token.
func (s *Store) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cred.AccessToken == "" {
		return Status{HasToken: false}
	}

	st := Status{HasToken: true, UserID: s.cred.UserID}
	if s.cred.ExpiresAt == nil {
		st.Unknown = true
		st.Valid = true
		return st
	}

	expiry := *s.cred.ExpiresAt
	st.ExpiresAt = &expiry
	remaining := expiry.Sub(time.Now().UTC())
	if remaining < 0 {
		remaining = 0
	}
	st.TimeUntilExpiry = remaining
	st.Valid = remaining > 0
	return st
}

// persist writes the credential to disk via tempfile-then-rename so a
// crash mid-write never leaves a half-written, unparseable file behind --
// the same durability property the teacher's saveSession aims for, just
// without its encryption step.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return pkgerrors.NewCredentialError("persist", "failed to create credential directory", pkgerrors.KindFatal, err)
	}

	data, err := json.MarshalIndent(s.cred, "", "  ")
	if err != nil {
		return pkgerrors.NewCredentialError("persist", "failed to marshal credential", pkgerrors.KindFatal, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return pkgerrors.NewCredentialError("persist", "failed to create temp file", pkgerrors.KindFatal, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.NewCredentialError("persist", "failed to write temp file", pkgerrors.KindFatal, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return pkgerrors.NewCredentialError("persist", "failed to chmod temp file", pkgerrors.KindFatal, err)
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.NewCredentialError("persist", "failed to close temp file", pkgerrors.KindFatal, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return pkgerrors.NewCredentialError("persist", "failed to rename temp file into place", pkgerrors.KindFatal, err)
	}
	return nil
}

// decodeJWTClaims best-effort decodes the middle segment of a dot-separated
// JWT. It returns ok=false for anything that isn't a well-formed 3-part
// JWT, but never panics or returns an error -- the caller stores the
// token regardless.
func decodeJWTClaims(token string) (map[string]interface{}, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}

	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}

	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, false
	}
	return claims, true
}
