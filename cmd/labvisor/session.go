package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Session is a saved login.
type Session struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	ServerURL string    `json:"server_url"`
}

// SessionManager stores one session as JSON.
type SessionManager struct {
	sessionPath string
}

// NewSessionManager keeps the session under dir, ~/.labvisor when empty.
func NewSessionManager(dir string) *SessionManager {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".labvisor")
	}
	return &SessionManager{sessionPath: filepath.Join(dir, "session.json")}
}

func (sm *SessionManager) SaveSession(s *Session) error {
	if err := os.MkdirAll(filepath.Dir(sm.sessionPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.sessionPath, data, 0o600)
}

// LoadSession returns nil without error when there is no usable session.
// Expired sessions are removed.
func (sm *SessionManager) LoadSession() (*Session, error) {
	data, err := os.ReadFile(sm.sessionPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
		_ = sm.ClearSession()
		return nil, nil
	}
	return &s, nil
}

func (sm *SessionManager) ClearSession() error {
	if err := os.Remove(sm.sessionPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
