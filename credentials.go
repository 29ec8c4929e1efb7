package massager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// FileCredentials
// ============================================================================

// FileCredentials keeps the identity in the [auth] table of a TOML file and
// an opaque [preferences] table for the presentation layer. Other tables in
// the file are preserved on write.
type FileCredentials struct {
	path string
	mu   sync.Mutex
}

func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path}
}

// DefaultCredentialsPath returns ~/.massager/config.toml.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".massager", "config.toml"), nil
}

func (f *FileCredentials) Path() string { return f.path }

// Load returns the stored identity, or a zero Identity when none is stored.
func (f *FileCredentials) Load() (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return Identity{}, err
	}
	auth, _ := doc["auth"].(map[string]interface{})
	token, _ := auth["token"].(string)
	username, _ := auth["username"].(string)
	return Identity{Username: username, Token: token}, nil
}

// Save stores the identity.
func (f *FileCredentials) Save(id Identity) error {
	return f.modify(func(doc map[string]interface{}) {
		auth, _ := doc["auth"].(map[string]interface{})
		if auth == nil {
			auth = map[string]interface{}{}
		}
		auth["token"] = id.Token
		auth["username"] = id.Username
		doc["auth"] = auth
	})
}

// Clear removes the identity and the preferences.
func (f *FileCredentials) Clear() error {
	return f.modify(func(doc map[string]interface{}) {
		delete(doc, "auth")
		delete(doc, "preferences")
	})
}

// Preferences returns the stored preference table.
func (f *FileCredentials) Preferences() (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	prefs, _ := doc["preferences"].(map[string]interface{})
	if prefs == nil {
		prefs = map[string]interface{}{}
	}
	return prefs, nil
}

func (f *FileCredentials) SavePreferences(prefs map[string]interface{}) error {
	return f.modify(func(doc map[string]interface{}) {
		doc["preferences"] = prefs
	})
}

func (f *FileCredentials) read() (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("cannot read credentials: %w", err)
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse credentials: %w", err)
	}
	return doc, nil
}

func (f *FileCredentials) modify(fn func(doc map[string]interface{})) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	fn(doc)

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cannot marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("cannot create credentials directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	return nil
}

// ============================================================================
// Token inspection
// ============================================================================

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// ok is false when the token is not a JWT or carries no expiry.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time, true
}
