package mod

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/codelimit"
	"github.com/coscene-io/coscout/internal/index"
	"github.com/coscene-io/coscout/internal/rule"
)

func init() {
	Register("default", func(opts Options) (Mod, error) {
		return newDefaultMod("default", opts)
	})
}

// defaultModConfig is the mod.conf schema of the default mod.
type defaultModConfig struct {
	Enabled     bool     `yaml:"enabled"`
	BaseDirs    []string `yaml:"base_dirs"`
	SNFile      string   `yaml:"sn_file"`
	SNField     string   `yaml:"sn_field"`
	UploadFiles []string `yaml:"upload_files"`
}

// DefaultMod watches configured base directories, streams log lines and
// finished data files through the rule engine, and turns the resulting
// upload requests into record caches.
type DefaultMod struct {
	name   string
	conf   defaultModConfig
	opts   Options
	logger *slog.Logger

	idx   *index.Index
	tail  *index.TailFollower
	exec  *rule.Executor
	tasks *taskHandler

	stateDir string
	tempDir  string
}

func newDefaultMod(name string, opts Options) (Mod, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var conf defaultModConfig
	if len(opts.Conf) > 0 {
		raw, err := yaml.Marshal(opts.Conf)
		if err != nil {
			return nil, fmt.Errorf("mod: encoding %s conf: %w", name, err)
		}

		if err := yaml.Unmarshal(raw, &conf); err != nil {
			return nil, fmt.Errorf("mod: parsing %s conf: %w", name, err)
		}
	}

	idx, err := index.NewIndex(opts.Paths.FileStateFile(), index.DefaultHandlers(), logger)
	if err != nil {
		return nil, err
	}

	stateDir := opts.Paths.ModStateDir(name)
	cut := rule.NewCutWriter(stateDir)
	exec := rule.NewExecutor(opts.Client, opts.Cache, cut.Write, logger)

	tail := index.NewTailFollower(logger)
	tail.SetDirs(conf.BaseDirs)

	m := &DefaultMod{
		name:   name,
		conf:   conf,
		opts:   opts,
		logger: logger,

		idx:  idx,
		tail: tail,
		exec: exec,
		tasks: &taskHandler{
			client:      opts.Client,
			uploadFiles: conf.UploadFiles,
			recordsDir:  opts.Paths.RecordsDir(),
			logger:      logger,
		},

		stateDir: stateDir,
		tempDir:  opts.Paths.ModTempDir(name),
	}

	return m, nil
}

func (m *DefaultMod) Name() string { return m.name }

func (m *DefaultMod) Device() (*api.RawDeviceState, error) {
	return discoverDevice(m.conf.SNFile, m.conf.SNField, m.opts.Paths.SerialNumberFile())
}

// ConvertCode accepts the code table either as a bare list or wrapped in
// a msg field; entries are {code, messageCN}.
func (m *DefaultMod) ConvertCode(raw []byte) codelimit.Table {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapper struct {
			Msg []map[string]any `json:"msg"`
		}

		if err := json.Unmarshal(raw, &wrapper); err != nil {
			m.logger.Warn("unrecognized code table shape, ignoring")

			return codelimit.Table{}
		}

		list = wrapper.Msg
	}

	table := make(codelimit.Table, len(list))

	for _, item := range list {
		code := ""
		if v, ok := item["code"]; ok {
			code = fmt.Sprint(v)
		}

		msg, _ := item["messageCN"].(string)
		if msg == "" {
			msg = codelimit.DefaultMessage
		}

		table[code] = msg
	}

	return table
}

// RunStreams follows the watched log files, feeding lines into the rule
// engine until ctx is done.
func (m *DefaultMod) RunStreams(ctx context.Context) error {
	if !m.conf.Enabled || len(m.conf.BaseDirs) == 0 {
		return nil
	}

	return m.tail.Run(ctx, m.emit(ctx))
}

func (m *DefaultMod) emit(ctx context.Context) func(rule.Item) bool {
	return func(item rule.Item) bool {
		m.exec.Process(ctx, item)

		return ctx.Err() == nil
	}
}

// Sweep runs one collection pass.
func (m *DefaultMod) Sweep(ctx context.Context) error {
	if !m.conf.Enabled {
		return nil
	}

	if err := m.tasks.run(ctx); err != nil {
		m.logger.Warn("task sweep failed", "error", err)
	}

	if len(m.conf.BaseDirs) == 0 {
		return nil
	}

	for _, dir := range m.conf.BaseDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.logger.Warn("creating base dir failed", "dir", dir, "error", err)
		}
	}

	if err := os.MkdirAll(m.tempDir, 0o755); err != nil {
		return fmt.Errorf("mod: creating temp dir: %w", err)
	}

	for _, dir := range m.conf.BaseDirs {
		m.idx.UpdateDir(dir)
	}

	m.diagnoseFinishedFiles(ctx)
	m.sweepRequests(ctx)

	return ctx.Err()
}

func (m *DefaultMod) diagnoseFinishedFiles(ctx context.Context) {
	for _, dir := range m.conf.BaseDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}

			path := filepath.Join(dir, entry.Name())
			m.idx.StaticFileDiagnosis(ctx, path, m.emit(ctx))
		}
	}
}

// sweepRequests stages and materializes pending upload requests. A bad
// request file never interrupts the loop.
func (m *DefaultMod) sweepRequests(ctx context.Context) {
	entries, err := os.ReadDir(m.stateDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(m.stateDir, entry.Name())

		if err := m.stageRequest(ctx, path); err != nil {
			m.logger.Warn("staging upload request failed", "path", path, "error", err)

			continue
		}

		if err := m.materializeRequest(path); err != nil {
			m.logger.Warn("materializing upload request failed", "path", path, "error", err)
		}
	}
}
