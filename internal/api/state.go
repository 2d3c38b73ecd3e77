package api

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ClientState is the persisted authentication and identity state. It is
// written atomically so a crash mid-save never leaves a truncated file.
type ClientState struct {
	SlugCache       map[string]string `json:"slug_cache,omitempty"`
	Device          *Device           `json:"device,omitempty"`
	OrgName         string            `json:"org_name,omitempty"`
	ExchangeCode    string            `json:"exchange_code,omitempty"`
	APIKey          string            `json:"api_key,omitempty"`
	APIKeyExpiresAt int64             `json:"api_key_expires_at,omitempty"` // unix seconds
}

// IsAuthed reports whether a usable, unexpired token is present.
func (s *ClientState) IsAuthed() bool {
	if s.APIKey == "" {
		return false
	}

	return s.APIKeyExpiresAt == 0 || time.Now().Unix() < s.APIKeyExpiresAt
}

// ExpiresSoon reports whether the token expires within the given window,
// so the register loop can renew before it lapses.
func (s *ClientState) ExpiresSoon(window time.Duration) bool {
	if s.APIKeyExpiresAt == 0 {
		return false
	}

	return time.Now().Add(window).Unix() >= s.APIKeyExpiresAt
}

// InstallState tracks whether the agent was freshly (re)installed, which
// forces a re-register on the next auth cycle.
type InstallState struct {
	InitInstall bool `json:"init_install"`
}

// RawDeviceState caches the locally discovered device identity so serial
// number discovery survives hardware file changes.
type RawDeviceState struct {
	SerialNumber string `json:"serial_number,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Description  string `json:"description,omitempty"`
}

// UpdaterState records the last binary version the updater handled.
type UpdaterState struct {
	Version     string `json:"version,omitempty"`
	CheckedAtMs int64  `json:"checked_at_ms,omitempty"`
}

// LoadState reads a JSON state file into out. A missing file leaves out
// untouched and returns nil.
func LoadState(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading state file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing state file %s: %w", path, err)
	}

	return nil
}

// SaveState writes a JSON state file atomically via a temp file rename.
func SaveState(path string, in any) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating state dir for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing state file %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("replacing state file %s: %w", path, err)
	}

	return nil
}
