package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/codelimit"
	"github.com/coscene-io/coscout/internal/config"
	"github.com/coscene-io/coscout/internal/metrics"
	"github.com/coscene-io/coscout/internal/mod"
	"github.com/coscene-io/coscout/internal/netusage"
	"github.com/coscene-io/coscout/internal/recordcache"
	"github.com/coscene-io/coscout/internal/remoteconfig"
)

// serviceName is the systemd unit the register loop stops when the
// platform reports the device deleted.
const serviceName = "cos.service"

// Scheduler wires the agent together and runs the forever loop: a
// register worker, the mod's stream consumers, and the periodic sweep.
type Scheduler struct {
	conf    *config.Config
	paths   config.Paths
	version string
	logger  *slog.Logger

	client    api.Client
	cache     *remoteconfig.Cache
	meter     *netusage.Meter
	mod       mod.Mod
	codes     *codelimit.Manager
	registrar *api.Registrar
	collector *Collector
	metrics   *metrics.Metrics
}

// NewScheduler constructs every component from the loaded configuration.
func NewScheduler(conf *config.Config, paths config.Paths, version string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := netusage.NewMeter()

	client, err := api.New(conf.API.Type, api.Options{
		ServerURL:   conf.API.ServerURL,
		ProjectSlug: conf.API.ProjectSlug,
		OrgSlug:     conf.API.OrgSlug,
		StatePath:   paths.APIClientStateFile(),
		Meter:       meter,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	cache := remoteconfig.NewCache(paths.CacheDir, conf.API.UseCache, logger)

	activeMod, err := mod.New(conf.Mod.Name, conf.API.ServerURL, mod.Options{
		Client: client,
		Cache:  cache,
		Paths:  paths,
		Conf:   conf.Mod.Conf,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	whitelist := make(map[string]int64, len(conf.EventCode.Whitelist))
	for code, limit := range conf.EventCode.Whitelist {
		whitelist[code] = int64(limit)
	}

	codes := codelimit.NewManager(codelimit.Config{
		Enabled:             conf.EventCode.Enabled,
		Whitelist:           whitelist,
		ResetIntervalInSecs: conf.EventCode.ResetIntervalInSecs,
	}, paths.CodeLimitStateFile(), logger)

	registrar := api.NewRegistrar(client, api.RegistrarOptions{
		InstallStatePath: paths.InstallStateFile(),
		Interval:         time.Duration(conf.DeviceRegister.IntervalInSecs) * time.Second,
		CosVersion:       version,
		ServiceName:      serviceName,
		Logger:           logger,
	})

	return &Scheduler{
		conf:    conf,
		paths:   paths,
		version: version,
		logger:  logger,

		client:    client,
		cache:     cache,
		meter:     meter,
		mod:       activeMod,
		codes:     codes,
		registrar: registrar,
		collector: New(conf.Collector, client, codes, meter, logger),
		metrics:   metrics.New(client, logger),
	}, nil
}

// Client exposes the platform client, e.g. for CLI subcommands.
func (s *Scheduler) Client() api.Client {
	return s.client
}

// RunForever runs the agent until ctx is cancelled or a worker fails.
func (s *Scheduler) RunForever(ctx context.Context) error {
	dev, err := s.discoverDevice()
	if err != nil {
		return err
	}

	s.ReloadCodeTable(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.registrar.Run(ctx, dev)
	})

	g.Go(func() error {
		return s.mod.RunStreams(ctx)
	})

	g.Go(func() error {
		return s.sweepLoop(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		s.logger.Info("collector stopped")

		return nil
	}

	return err
}

// discoverDevice resolves the local device identity through the mod,
// caching the result across restarts.
func (s *Scheduler) discoverDevice() (*api.Device, error) {
	raw, err := mod.CachedDevice(s.paths.RawDeviceStateFile(), s.mod)
	if err != nil {
		return nil, fmt.Errorf("collector: discovering device: %w", err)
	}

	return &api.Device{
		SerialNumber: raw.SerialNumber,
		DisplayName:  raw.DisplayName,
		Description:  raw.Description,
	}, nil
}

// ReloadCodeTable fetches the event-code message table and hands it to
// the record handler. Invoked at startup and on SIGHUP; a missing table
// leaves the default messages in place.
func (s *Scheduler) ReloadCodeTable(ctx context.Context) {
	url := s.conf.EventCode.CodeJSONURL
	if url == "" {
		return
	}

	raw, err := codelimit.LoadRaw(ctx, url, s.client, s.cache, s.paths.CodeJSONCacheFile())
	if err != nil {
		s.logger.Warn("loading code table failed", "url", url, "error", err)

		return
	}

	s.collector.SetTable(s.mod.ConvertCode(raw))
}

// sweepLoop runs one sweep per scan interval. The first sweep starts
// immediately.
func (s *Scheduler) sweepLoop(ctx context.Context) error {
	interval := time.Duration(s.conf.Collector.ScanIntervalInSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.sweepOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweepOnce runs the mod sweep and the record sweep. An unauthorized
// response clears the cached token so the register worker renews it.
func (s *Scheduler) sweepOnce(ctx context.Context) {
	if !s.client.State().IsAuthed() {
		s.logger.Info("not authorized yet, skipping sweep")

		return
	}

	if err := s.mod.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("mod sweep failed", "error", err)
	}

	if err := s.sweepRecords(ctx); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			s.logger.Warn("token rejected, forcing re-authorization")

			state := s.client.State()
			state.APIKey = ""
			state.APIKeyExpiresAt = 0

			if err := s.client.SaveState(); err != nil {
				s.logger.Warn("saving client state failed", "error", err)
			}

			return
		}

		s.logger.Warn("record sweep failed", "error", err)
	}
}

// sweepRecords drives every record cache one step forward, then sends
// the heartbeat and updates the metrics.
func (s *Scheduler) sweepRecords(ctx context.Context) error {
	records, err := recordcache.FindAll(s.paths.RecordsDir(), s.logger)
	if err != nil {
		return err
	}

	for _, rc := range records {
		if err := s.collector.HandleRecord(ctx, rc); err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				return err
			}

			// One bad record must not wedge the sweep.
			s.logger.Error("handling record failed", "record", rc.Key(), "error", err)
		}

		rc.DeleteCacheDir(s.conf.Collector.DeleteAfterIntervalInHours, s.logger)
	}

	s.sendHeartbeat(ctx)
	s.metrics.SweepCompleted(ctx, len(records))

	return nil
}

func (s *Scheduler) sendHeartbeat(ctx context.Context) {
	dev := s.client.State().Device
	if dev == nil || dev.Name == "" {
		return
	}

	usage := s.meter.Snapshot()

	if err := s.client.SendHeartbeat(ctx, dev.Name, s.version, usage); err != nil {
		s.logger.Warn("heartbeat failed", "error", err)

		return
	}

	s.meter.Reset()
}
