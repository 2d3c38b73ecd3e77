package rule

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/remoteconfig"
)

type fakeExecClient struct {
	fakeRuleClient

	projects    []api.Project
	projectsErr error
	ruleSets    map[string]*api.ProjectDiagnosisRuleSet
	ruleSetErr  error
	version     int64
	fetchCalls  int
}

func (c *fakeExecClient) ListDeviceProjects(context.Context, string) ([]api.Project, error) {
	return c.projects, c.projectsErr
}

func (c *fakeExecClient) GetDiagnosisRuleVersion(context.Context, string) (int64, error) {
	return c.version, nil
}

func (c *fakeExecClient) GetDiagnosisRule(_ context.Context, parentName string) (*api.ProjectDiagnosisRuleSet, error) {
	c.fetchCalls++

	if c.ruleSetErr != nil {
		return nil, c.ruleSetErr
	}

	rs, ok := c.ruleSets[parentName]
	if !ok {
		return nil, errors.New("not found")
	}

	return rs, nil
}

func newExecClient() *fakeExecClient {
	rs := uploadRuleSet("projects/p1", []string{"battery"}, nil)

	return &fakeExecClient{
		projects: []api.Project{{Name: "projects/p1"}},
		ruleSets: map[string]*api.ProjectDiagnosisRuleSet{"projects/p1": &rs},
		version:  1,
	}
}

func newTestExecutor(t *testing.T, client api.Client, upload UploadFunc) *Executor {
	t.Helper()

	cache := remoteconfig.NewCache(t.TempDir(), true, testLogger())

	return NewExecutor(client, cache, upload, testLogger())
}

func TestExecutor_ReloadBuildsEngine(t *testing.T) {
	t.Parallel()

	client := newExecClient()
	e := newTestExecutor(t, client, nil)

	assert.Zero(t, e.RuleCount())

	e.Reload(context.Background())
	assert.Equal(t, 1, e.RuleCount())
}

func TestExecutor_ReloadSkipsRebuildWhenUnchanged(t *testing.T) {
	t.Parallel()

	client := newExecClient()
	e := newTestExecutor(t, client, nil)

	e.Reload(context.Background())
	first := e.engine
	require.NotNil(t, first)

	// Same version: served from cache, engine kept.
	e.Reload(context.Background())
	assert.Same(t, first, e.engine)
	assert.Equal(t, 1, client.fetchCalls)
}

func TestExecutor_ReloadRebuildsOnRuleChange(t *testing.T) {
	t.Parallel()

	client := newExecClient()
	e := newTestExecutor(t, client, nil)

	e.Reload(context.Background())
	first := e.engine

	changed := uploadRuleSet("projects/p1", []string{"battery", "topic:/log"}, nil)
	client.ruleSets["projects/p1"] = &changed
	client.version = 2

	e.Reload(context.Background())
	assert.NotSame(t, first, e.engine)
}

func TestExecutor_NoDevice(t *testing.T) {
	t.Parallel()

	client := newExecClient()
	client.state = &api.ClientState{}

	e := newTestExecutor(t, client, nil)
	e.Reload(context.Background())

	assert.Zero(t, e.RuleCount())
}

func TestExecutor_ProcessMatchesAfterLazyReload(t *testing.T) {
	t.Parallel()

	client := newExecClient()

	var actions []UploadAction

	upload := func(_ context.Context, action UploadAction) error {
		actions = append(actions, action)

		return nil
	}

	e := newTestExecutor(t, client, upload)

	// The first item forces the initial reload before evaluation.
	e.Process(context.Background(), Item{Msg: "battery low", Ts: 42})

	require.Len(t, actions, 1)
	assert.Equal(t, int64(42), actions[0].TriggerTs)
}

func TestExecutor_OfflineKeepsCachedRules(t *testing.T) {
	t.Parallel()

	client := newExecClient()
	e := newTestExecutor(t, client, nil)

	e.Reload(context.Background())
	require.Equal(t, 1, e.RuleCount())

	// Rule fetches now fail; the cached rule set keeps the engine alive.
	client.ruleSetErr = errors.New("offline")
	client.version = 99

	e.Reload(context.Background())
	assert.Equal(t, 1, e.RuleCount())
}
