package api

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistrarClient struct {
	Client

	state *ClientState

	registerResult *RegisterResult
	registerCalls  int

	status     *DeviceStatus
	statusErr  error
	token      *AuthTokenResult
	tokenCalls int
	exchanged  chan struct{}

	updatedTags map[string]string
	saveCalls   int
}

func (c *fakeRegistrarClient) State() *ClientState {
	if c.state == nil {
		c.state = &ClientState{}
	}

	return c.state
}

func (c *fakeRegistrarClient) SaveState() error {
	c.saveCalls++

	return nil
}

func (c *fakeRegistrarClient) RegisterDevice(_ context.Context, _ *Device, _, _ string) (*RegisterResult, error) {
	c.registerCalls++

	return c.registerResult, nil
}

func (c *fakeRegistrarClient) CheckDeviceStatus(context.Context, string, string) (*DeviceStatus, error) {
	return c.status, c.statusErr
}

func (c *fakeRegistrarClient) ExchangeDeviceAuthToken(context.Context, string, string) (*AuthTokenResult, error) {
	c.tokenCalls++

	if c.exchanged != nil {
		select {
		case c.exchanged <- struct{}{}:
		default:
		}
	}

	return c.token, nil
}

func (c *fakeRegistrarClient) UpdateDeviceTags(_ context.Context, _ string, tags map[string]string) error {
	c.updatedTags = tags

	return nil
}

func (c *fakeRegistrarClient) GetDevice(context.Context, string) (*Device, error) {
	dev := *c.state.Device
	if c.updatedTags != nil {
		dev.Tags = c.updatedTags
	}

	return &dev, nil
}

func newTestRegistrar(t *testing.T, client Client) *Registrar {
	t.Helper()

	return NewRegistrar(client, RegistrarOptions{
		InstallStatePath: filepath.Join(t.TempDir(), "install.state.json"),
		PubkeyPath:       filepath.Join(t.TempDir(), "no-such-key"),
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestAuthorize_ValidTokenIsNoop(t *testing.T) {
	t.Parallel()

	client := &fakeRegistrarClient{state: &ClientState{
		APIKey:          "token",
		APIKeyExpiresAt: time.Now().Add(48 * time.Hour).Unix(),
	}}

	r := newTestRegistrar(t, client)

	ok, err := r.Authorize(context.Background(), &Device{SerialNumber: "SN-1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, client.registerCalls)
}

func TestAuthorize_FreshInstallRegisters(t *testing.T) {
	t.Parallel()

	client := &fakeRegistrarClient{registerResult: &RegisterResult{
		Device:       Device{Name: "devices/d1", SerialNumber: "SN-1"},
		ExchangeCode: "code-1",
	}}

	r := newTestRegistrar(t, client)

	ok, err := r.Authorize(context.Background(), &Device{SerialNumber: "SN-1"})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, client.registerCalls)
	assert.Equal(t, "devices/d1", client.state.Device.Name)
	assert.Equal(t, "code-1", client.state.ExchangeCode)
	assert.Positive(t, client.saveCalls)
}

func TestAuthorize_ExpiringTokenReRegisters(t *testing.T) {
	t.Parallel()

	// A token inside the renew window is treated as expired. Without a
	// prior exchange code the cycle starts over with a registration.
	client := &fakeRegistrarClient{
		state: &ClientState{
			APIKey:          "stale",
			APIKeyExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
		registerResult: &RegisterResult{
			Device:       Device{Name: "devices/d1"},
			ExchangeCode: "code-1",
		},
	}

	r := newTestRegistrar(t, client)

	ok, err := r.Authorize(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, client.registerCalls)
	assert.Empty(t, client.state.APIKey)
}

func TestAuthorize_WaitsWhilePending(t *testing.T) {
	t.Parallel()

	client := &fakeRegistrarClient{
		state: &ClientState{
			Device:       &Device{Name: "devices/d1"},
			ExchangeCode: "code-1",
		},
		status: &DeviceStatus{Exist: true},
		token:  &AuthTokenResult{},
	}

	r := newTestRegistrar(t, client)

	ok, err := r.Authorize(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, client.tokenCalls)
}

func TestAuthorize_RejectedStaysUnauthorized(t *testing.T) {
	t.Parallel()

	client := &fakeRegistrarClient{
		state: &ClientState{
			Device:       &Device{Name: "devices/d1"},
			ExchangeCode: "code-1",
		},
		status: &DeviceStatus{Exist: true, AuthorizeState: AuthorizeStateRejected},
	}

	r := newTestRegistrar(t, client)

	ok, err := r.Authorize(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, client.tokenCalls)
}

func TestAuthorize_ExchangesToken(t *testing.T) {
	t.Parallel()

	expires := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)

	client := &fakeRegistrarClient{
		state: &ClientState{
			Device:       &Device{Name: "devices/d1"},
			ExchangeCode: "code-1",
		},
		status: &DeviceStatus{Exist: true},
		token: &AuthTokenResult{
			DeviceAuthToken: "granted",
			ExpiresTime:     expires.Format(time.RFC3339),
		},
	}

	r := newTestRegistrar(t, client)

	ok, err := r.Authorize(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "granted", client.state.APIKey)
	assert.Equal(t, expires.Unix(), client.state.APIKeyExpiresAt)
	assert.Positive(t, client.saveCalls)
}

func TestAuthorize_BadExpiryFails(t *testing.T) {
	t.Parallel()

	client := &fakeRegistrarClient{
		state: &ClientState{
			Device:       &Device{Name: "devices/d1"},
			ExchangeCode: "code-1",
		},
		status: &DeviceStatus{Exist: true},
		token: &AuthTokenResult{
			DeviceAuthToken: "granted",
			ExpiresTime:     "soon",
		},
	}

	r := newTestRegistrar(t, client)

	ok, err := r.Authorize(context.Background(), nil)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRun_KeepsRenewingToken(t *testing.T) {
	t.Parallel()

	// The granted token expires inside the renew window, so every cycle
	// goes through the exchange again instead of the fast path.
	client := &fakeRegistrarClient{
		state: &ClientState{
			Device:       &Device{Name: "devices/d1"},
			ExchangeCode: "code-1",
		},
		status: &DeviceStatus{Exist: true},
		token: &AuthTokenResult{
			DeviceAuthToken: "granted",
			ExpiresTime:     time.Now().Add(time.Hour).Format(time.RFC3339),
		},
		exchanged: make(chan struct{}, 1),
	}

	r := NewRegistrar(client, RegistrarOptions{
		InstallStatePath: filepath.Join(t.TempDir(), "install.state.json"),
		Interval:         5 * time.Millisecond,
		PubkeyPath:       filepath.Join(t.TempDir(), "no-such-key"),
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- r.Run(ctx, nil) }()

	// Run must stay alive past the first success and exchange again on
	// later ticks.
	for i := 0; i < 3; i++ {
		select {
		case <-client.exchanged:
		case <-time.After(2 * time.Second):
			t.Fatal("registrar stopped renewing the token")
		}
	}

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.GreaterOrEqual(t, client.tokenCalls, 3)
	assert.Equal(t, "granted", client.state.APIKey)
}

func TestUpdateTag(t *testing.T) {
	t.Parallel()

	client := &fakeRegistrarClient{state: &ClientState{
		Device: &Device{
			Name: "devices/d1",
			Tags: map[string]string{"cos_version": "1.0.0"},
		},
	}}

	r := newTestRegistrar(t, client)

	r.updateTag(context.Background(), "cos_version", "1.1.0", true)
	assert.Equal(t, "1.1.0", client.updatedTags["cos_version"])

	// Unchanged values and kept values do not touch the platform.
	client.updatedTags = nil

	r.updateTag(context.Background(), "cos_version", "1.1.0", true)
	assert.Nil(t, client.updatedTags)

	r.updateTag(context.Background(), "virmesh_pubkey", "pk-new", false)
	assert.Equal(t, "pk-new", client.updatedTags["virmesh_pubkey"])

	client.updatedTags = nil
	client.state.Device.Tags["virmesh_pubkey"] = "pk-old"

	r.updateTag(context.Background(), "virmesh_pubkey", "pk-new", false)
	assert.Nil(t, client.updatedTags)
}
