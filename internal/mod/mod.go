// Package mod hosts the pluggable collection strategies. A mod decides
// which directories to watch, how to identify the device, and how to
// convert event-code tables; the scheduler drives whichever mod the
// configuration selects.
package mod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/codelimit"
	"github.com/coscene-io/coscout/internal/config"
	"github.com/coscene-io/coscout/internal/remoteconfig"
)

// ErrDeviceNotFound means the mod could not discover a device identity.
// The scheduler retries on the next tick instead of giving up.
var ErrDeviceNotFound = errors.New("device identity not found")

// Mod is one collection strategy.
type Mod interface {
	Name() string
	// Device discovers the local device identity.
	Device() (*api.RawDeviceState, error)
	// ConvertCode turns a raw event-code table into code to message.
	ConvertCode(raw []byte) codelimit.Table
	// Sweep runs one collection pass: refresh the file index, diagnose
	// finished files, and stage pending upload requests.
	Sweep(ctx context.Context) error
	// RunStreams blocks on the mod's long-running consumers until ctx is
	// done.
	RunStreams(ctx context.Context) error
}

// Options carries the shared components a mod builds on.
type Options struct {
	Client api.Client
	Cache  *remoteconfig.Cache
	Paths  config.Paths
	Conf   map[string]any
	Logger *slog.Logger
}

// Constructor builds a mod from its options.
type Constructor func(opts Options) (Mod, error)

var registry = map[string]Constructor{}

// Register adds a named mod constructor. Mods register themselves from
// init functions; a duplicate name is a programming error.
func Register(name string, ctor Constructor) {
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("mod %q registered twice", name))
	}

	registry[name] = ctor
}

// Names lists the registered mods, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Resolve picks the effective mod name. Deployments on a Gaussian server
// always run the gs mod, regardless of the configured name.
func Resolve(name, serverURL string) string {
	if strings.Contains(serverURL, "gaussian") {
		return "gs"
	}

	if name == "" {
		return "default"
	}

	return name
}

// New constructs the mod selected by name and serverURL.
func New(name, serverURL string, opts Options) (Mod, error) {
	resolved := Resolve(name, serverURL)

	ctor, ok := registry[resolved]
	if !ok {
		return nil, fmt.Errorf("mod %q not found", resolved)
	}

	return ctor(opts)
}

// CachedDevice returns the device identity, discovering and persisting
// it on first use so later runs survive changes to the hardware files.
func CachedDevice(statePath string, m Mod) (*api.RawDeviceState, error) {
	cached := &api.RawDeviceState{}
	if err := api.LoadState(statePath, cached); err != nil {
		return nil, err
	}

	if cached.SerialNumber != "" {
		return cached, nil
	}

	dev, err := m.Device()
	if err != nil {
		return nil, err
	}

	if dev == nil || dev.SerialNumber == "" {
		return nil, ErrDeviceNotFound
	}

	if err := api.SaveState(statePath, dev); err != nil {
		return nil, err
	}

	return dev, nil
}
