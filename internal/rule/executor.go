package rule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/remoteconfig"
)

const (
	ruleReloadInterval = time.Minute
	// An item gap longer than this forces a reload before evaluation, so
	// a quiet stream still picks up rule edits promptly.
	ruleStaleGap = 30 * time.Second
)

// Executor owns the live rule engine and keeps it in sync with the
// per-project rule sets published on the platform.
type Executor struct {
	client api.Client
	cache  *remoteconfig.Cache
	upload UploadFunc
	logger *slog.Logger

	mu         sync.Mutex
	engine     *Engine
	configs    []api.ProjectDiagnosisRuleSet
	lastReload time.Time
	lastItem   time.Time
}

func NewExecutor(client api.Client, cache *remoteconfig.Cache, upload UploadFunc, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{client: client, cache: cache, upload: upload, logger: logger}
}

// diagnosisRuleSource adapts one project's rule set to the config cache.
type diagnosisRuleSource struct {
	client      api.Client
	projectName string
}

func (s diagnosisRuleSource) CacheKey() string {
	return s.projectName + "/diagnosisRules"
}

func (s diagnosisRuleSource) Version(ctx context.Context) (int64, error) {
	return s.client.GetDiagnosisRuleVersion(ctx, s.projectName)
}

func (s diagnosisRuleSource) Fetch(ctx context.Context) (json.RawMessage, error) {
	ruleSet, err := s.client.GetDiagnosisRule(ctx, s.projectName)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(ruleSet)
	if err != nil {
		return nil, fmt.Errorf("rule: encoding rule set: %w", err)
	}

	return raw, nil
}

// ListDeviceDiagnosisRules collects the rule sets of every project the
// device belongs to. Per-project fetches go through the config cache,
// so a network loss keeps the last known rules active.
func (e *Executor) ListDeviceDiagnosisRules(ctx context.Context) []api.ProjectDiagnosisRuleSet {
	st := e.client.State()
	if st.Device == nil {
		return nil
	}

	projects, err := e.client.ListDeviceProjects(ctx, st.Device.Name)
	if err != nil {
		e.logger.Warn("listing device projects failed", "error", err)

		return nil
	}

	var configs []api.ProjectDiagnosisRuleSet

	for _, project := range projects {
		src := diagnosisRuleSource{client: e.client, projectName: project.Name}

		raw := e.cache.Read(ctx, src)
		if raw == nil {
			continue
		}

		var ruleSet api.ProjectDiagnosisRuleSet
		if err := json.Unmarshal(raw, &ruleSet); err != nil {
			e.logger.Warn("decoding cached rule set failed", "project", project.Name, "error", err)

			continue
		}

		if ruleSet.Name == "" {
			continue
		}

		configs = append(configs, ruleSet)
	}

	return configs
}

// Reload refetches the rule sets and rebuilds the engine when they
// changed. An unchanged fetch keeps the compiled engine as-is.
func (e *Executor) Reload(ctx context.Context) {
	configs := e.ListDeviceDiagnosisRules(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastReload = time.Now()

	if e.engine != nil && reflect.DeepEqual(configs, e.configs) {
		return
	}

	e.configs = configs
	e.engine = BuildEngine(configs, e.upload, e.client, e.logger)

	e.logger.Info("rule engine rebuilt", "rules", e.engine.RuleCount())
}

// Process evaluates one item, reloading first when the rules are stale.
func (e *Executor) Process(ctx context.Context, item Item) {
	now := time.Now()

	e.mu.Lock()
	needReload := e.engine == nil ||
		now.Sub(e.lastReload) >= ruleReloadInterval ||
		(!e.lastItem.IsZero() && now.Sub(e.lastItem) > ruleStaleGap)
	e.lastItem = now
	engine := e.engine
	e.mu.Unlock()

	if needReload {
		e.Reload(ctx)

		e.mu.Lock()
		engine = e.engine
		e.mu.Unlock()
	}

	if engine == nil {
		return
	}

	engine.ConsumeNext(ctx, item)
}

// RuleCount reports how many rules the live engine holds.
func (e *Executor) RuleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.engine == nil {
		return 0
	}

	return e.engine.RuleCount()
}
