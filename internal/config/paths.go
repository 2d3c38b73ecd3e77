package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Application directory name used across all platforms.
const appName = "cos"

// Config file name.
const configFileName = "config.yaml"

// Paths groups the platform directories the agent writes into. Components
// receive a Paths value instead of computing locations themselves so tests
// can point the whole agent at a temp dir.
type Paths struct {
	ConfigDir string // config.yaml, sn.txt
	StateDir  string // *.state.json, records/, mods/
	CacheDir  string // remote-config cache, code.json
}

// DefaultPaths resolves the platform-standard user directories.
// On Linux this honors XDG_CONFIG_HOME / XDG_STATE_HOME / XDG_CACHE_HOME.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return Paths{
		ConfigDir: defaultConfigDir(home),
		StateDir:  defaultStateDir(home),
		CacheDir:  defaultCacheDir(home),
	}
}

func defaultConfigDir(home string) string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}

	return filepath.Join(home, ".config", appName)
}

func defaultStateDir(home string) string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".local", "state", appName)
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName, "state")
	}

	return filepath.Join(home, ".local", "state", appName)
}

func defaultCacheDir(home string) string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, appName)
	}

	return filepath.Join(home, ".cache", appName)
}

// ConfigFile returns the full path of the agent configuration file.
func (p Paths) ConfigFile() string {
	return filepath.Join(p.ConfigDir, configFileName)
}

// Well-known state file locations under StateDir. The names are part of
// the on-disk contract; other tooling reads them.

func (p Paths) APIClientStateFile() string {
	return filepath.Join(p.StateDir, "api_client.state.json")
}

func (p Paths) InstallStateFile() string {
	return filepath.Join(p.StateDir, "install.state.json")
}

func (p Paths) RawDeviceStateFile() string {
	return filepath.Join(p.StateDir, "raw_device.state.json")
}

func (p Paths) CodeLimitStateFile() string {
	return filepath.Join(p.StateDir, "code_limit.state.json")
}

func (p Paths) FileStateFile() string {
	return filepath.Join(p.StateDir, "file.state.json")
}

func (p Paths) UpdaterStateFile() string {
	return filepath.Join(p.StateDir, "updater.state.json")
}

// RecordsDir holds one directory per RecordCache.
func (p Paths) RecordsDir() string {
	return filepath.Join(p.StateDir, "records")
}

// ModStateDir holds the per-trigger upload-request JSON files for a mod.
func (p Paths) ModStateDir(mod string) string {
	return filepath.Join(p.StateDir, "mods", mod)
}

// ModTempDir holds per-request temp slices before they are hardlinked
// into a record directory.
func (p Paths) ModTempDir(mod string) string {
	return filepath.Join(p.ModStateDir(mod), "tmp")
}

// CodeJSONCacheFile caches the event-code table downloaded over HTTP.
func (p Paths) CodeJSONCacheFile() string {
	return filepath.Join(p.CacheDir, "code.json")
}

// SerialNumberFile stores the generated fallback device serial number.
func (p Paths) SerialNumberFile() string {
	return filepath.Join(p.ConfigDir, "sn.txt")
}
