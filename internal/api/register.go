package api

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Re-auth a day before the token expires.
const renewWindow = 24 * time.Hour

const virmeshPubkeyPath = "/etc/virmesh.pub"

// Registrar drives the device register and authorize cycle until the
// platform grants a token.
type Registrar struct {
	client       Client
	installPath  string
	interval     time.Duration
	cosVersion   string
	serviceName  string
	pubkeyPath   string
	logger       *slog.Logger
}

// RegistrarOptions configures a Registrar.
type RegistrarOptions struct {
	InstallStatePath string
	Interval         time.Duration
	CosVersion       string
	// ServiceName is the systemd unit stopped when the platform reports
	// the device as deleted. Empty disables the stop.
	ServiceName string
	PubkeyPath  string
	Logger      *slog.Logger
}

func NewRegistrar(client Client, opts RegistrarOptions) *Registrar {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}

	if opts.PubkeyPath == "" {
		opts.PubkeyPath = virmeshPubkeyPath
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registrar{
		client:      client,
		installPath: opts.InstallStatePath,
		interval:    opts.Interval,
		cosVersion:  opts.CosVersion,
		serviceName: opts.ServiceName,
		pubkeyPath:  opts.PubkeyPath,
		logger:      logger,
	}
}

// Run drives the authorize cycle for the daemon's lifetime, renewing
// the token as it nears expiry and re-registering after a revocation.
// Whenever a new authorization lands it pushes the version and mesh-key
// tags to the platform. Returns only when ctx is done.
func (r *Registrar) Run(ctx context.Context, dev *Device) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	authed := false

	for {
		ok, err := r.Authorize(ctx, dev)
		if err != nil {
			r.logger.Warn("device authorize attempt failed", "error", err)
		}

		if ok && !authed {
			r.setupVersionTag(ctx)
			r.setupPubkeyTag(ctx)
		}

		authed = ok

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Authorize runs one register/check/exchange cycle. It returns true when
// a usable token is held.
func (r *Registrar) Authorize(ctx context.Context, dev *Device) (bool, error) {
	state := r.client.State()

	install := &InstallState{}
	if r.installPath != "" {
		if err := LoadState(r.installPath, install); err != nil {
			r.logger.Warn("loading install state failed", "error", err)
		}
	}

	// Token still good, nothing to do.
	if state.APIKey != "" && time.Unix(state.APIKeyExpiresAt, 0).Add(-renewWindow).After(time.Now()) {
		return true, nil
	}

	if dev != nil && dev.Tags == nil {
		dev.Tags = map[string]string{}
	}

	if dev != nil {
		if pk := r.readPubkey(); pk != "" {
			dev.Tags["virmesh_pubkey"] = pk
		}
	}

	// Fresh install or no prior registration: register and wait for the
	// user to approve the device in the console.
	if state.Device == nil || state.ExchangeCode == "" || install.InitInstall {
		result, err := r.client.RegisterDevice(ctx, dev, "", "")
		if err != nil {
			return false, err
		}

		state.Device = &result.Device
		state.ExchangeCode = result.ExchangeCode
		state.APIKey = ""
		state.APIKeyExpiresAt = 0

		if err := r.client.SaveState(); err != nil {
			return false, err
		}

		if r.installPath != "" {
			if err := SaveState(r.installPath, &InstallState{}); err != nil {
				r.logger.Warn("clearing install state failed", "error", err)
			}
		}

		r.logger.Info("device registered, waiting for authorization",
			"serial_number", result.Device.SerialNumber)

		return false, nil
	}

	status, err := r.client.CheckDeviceStatus(ctx, state.Device.Name, state.ExchangeCode)
	if err != nil {
		return false, err
	}

	if !status.Exist {
		r.logger.Info("device deleted on platform", "device", state.Device.Name)
		r.stopService()

		return false, nil
	}

	if status.AuthorizeState == AuthorizeStateRejected {
		r.logger.Info("device authorization rejected", "device", state.Device.Name)

		return false, nil
	}

	token, err := r.client.ExchangeDeviceAuthToken(ctx, state.Device.Name, state.ExchangeCode)
	if err != nil {
		return false, err
	}

	if token.DeviceAuthToken == "" {
		r.logger.Info("waiting for device authorization", "device", state.Device.Name)

		return false, nil
	}

	expires, err := time.Parse(time.RFC3339, token.ExpiresTime)
	if err != nil {
		return false, errors.New("api: unparseable token expiry: " + token.ExpiresTime)
	}

	state.APIKey = token.DeviceAuthToken
	state.APIKeyExpiresAt = expires.Unix()

	if err := r.client.SaveState(); err != nil {
		return false, err
	}

	r.logger.Info("device authorized", "device", state.Device.Name)

	return true, nil
}

// setupVersionTag pushes the running agent version as a device tag when
// it differs from the platform's copy.
func (r *Registrar) setupVersionTag(ctx context.Context) {
	if r.cosVersion == "" {
		return
	}

	r.updateTag(ctx, "cos_version", r.cosVersion, true)
}

func (r *Registrar) setupPubkeyTag(ctx context.Context) {
	pk := r.readPubkey()
	if pk == "" {
		return
	}

	r.updateTag(ctx, "virmesh_pubkey", pk, false)
}

// updateTag sets one device tag, refreshing the cached device on change.
// When overwrite is false an existing value is kept.
func (r *Registrar) updateTag(ctx context.Context, key, value string, overwrite bool) {
	state := r.client.State()
	if state.Device == nil || state.Device.Name == "" {
		return
	}

	current := state.Device.Tags[key]
	if current == value || (current != "" && !overwrite) {
		return
	}

	tags := make(map[string]string, len(state.Device.Tags)+1)
	for k, v := range state.Device.Tags {
		tags[k] = v
	}

	tags[key] = value

	if err := r.client.UpdateDeviceTags(ctx, state.Device.Name, tags); err != nil {
		r.logger.Warn("updating device tag failed", "tag", key, "error", err)

		return
	}

	dev, err := r.client.GetDevice(ctx, state.Device.Name)
	if err != nil {
		r.logger.Warn("refreshing device failed", "error", err)

		return
	}

	state.Device = dev

	if err := r.client.SaveState(); err != nil {
		r.logger.Warn("saving device state failed", "error", err)
	}
}

func (r *Registrar) readPubkey() string {
	data, err := os.ReadFile(r.pubkeyPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(strings.TrimPrefix(string(data), "virmesh"))
}

// stopService stops the agent's systemd unit after the platform deletes
// the device, so a decommissioned robot goes quiet.
func (r *Registrar) stopService() {
	if r.serviceName == "" || runtime.GOOS != "linux" {
		return
	}

	out, err := exec.Command("systemctl", "stop", r.serviceName).CombinedOutput()
	if err != nil {
		r.logger.Warn("stopping service failed", "service", r.serviceName,
			"output", strings.TrimSpace(string(out)), "error", err)

		return
	}

	r.logger.Info("service stopped", "service", r.serviceName)
}
