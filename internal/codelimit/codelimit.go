// Package codelimit rate-limits uploads per error code. Each code in
// the whitelist carries a hit quota per reset interval; codes outside
// the whitelist never upload.
package codelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config mirrors the event_code section of the agent config.
type Config struct {
	Enabled             bool
	Whitelist           map[string]int64
	ResetIntervalInSecs int64
}

type state struct {
	LastResetTimestamp int64            `json:"last_reset_timestamp"`
	Counters           map[string]int64 `json:"counters,omitempty"`
}

// Manager tracks per-code hit counters in a JSON state file.
type Manager struct {
	conf      Config
	statePath string
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastReset int64
}

func NewManager(conf Config, statePath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		conf:      conf,
		statePath: statePath,
		logger:    logger,
		now:       time.Now,
	}
}

// Hit counts one occurrence of code. A disabled manager or empty code is
// a no-op.
func (m *Manager) Hit(code string) {
	if !m.conf.Enabled || code == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.resetLocked()
	if err != nil {
		m.logger.Warn("resetting code limit state failed", "error", err)

		return
	}

	if st.Counters == nil {
		st.Counters = map[string]int64{}
	}

	st.Counters[code]++

	if err := m.save(st); err != nil {
		m.logger.Warn("saving code limit state failed", "error", err)
	}
}

// IsOverLimit reports whether code has used up its quota for the current
// interval. Unknown and empty codes count as over limit so unexpected
// errors cannot flood the platform.
func (m *Manager) IsOverLimit(code string) bool {
	if !m.conf.Enabled {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.resetLocked()
	if err != nil {
		m.logger.Warn("resetting code limit state failed", "error", err)

		return true
	}

	if code == "" {
		m.logger.Warn("no code given, treating as over limit")

		return true
	}

	limit, ok := m.conf.Whitelist[code]
	if !ok {
		m.logger.Warn("code not in whitelist, treating as over limit", "code", code)

		return true
	}

	// -1 means no limit.
	if limit == -1 {
		return false
	}

	return st.Counters[code] >= limit
}

// resetLocked loads the state, clearing the counters when the current
// reset interval has elapsed. Reset boundaries stay aligned to multiples
// of the interval so drifting sweep timing never stretches a window.
func (m *Manager) resetLocked() (*state, error) {
	st := &state{}

	data, err := os.ReadFile(m.statePath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, st); err != nil {
			m.logger.Warn("discarding corrupt code limit state", "error", err)

			st = &state{}
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading code limit state: %w", err)
	}

	if m.lastReset == 0 {
		m.lastReset = st.LastResetTimestamp
	}

	now := m.now().Unix()
	due := m.lastReset + m.conf.ResetIntervalInSecs

	if now > due || st.LastResetTimestamp == 0 {
		if m.lastReset > 0 {
			n := (now - m.lastReset) / m.conf.ResetIntervalInSecs
			m.lastReset += n * m.conf.ResetIntervalInSecs
		} else {
			m.lastReset = now
		}

		st = &state{LastResetTimestamp: m.lastReset}
		if err := m.save(st); err != nil {
			return nil, err
		}

		m.logger.Info("code limit counters reset")
	}

	return st, nil
}

func (m *Manager) save(st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding code limit state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		return fmt.Errorf("creating code limit state dir: %w", err)
	}

	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing code limit state: %w", err)
	}

	if err := os.Rename(tmp, m.statePath); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("replacing code limit state: %w", err)
	}

	return nil
}
