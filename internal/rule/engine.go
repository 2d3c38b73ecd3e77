package rule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/coscene-io/coscout/internal/api"
)

// UploadAction is the request an "upload" rule action produces: cut a
// time window around the trigger and stage it for upload.
type UploadAction struct {
	ProjectName string
	Title       string
	Description string
	Labels      []string
	ExtraFiles  []string
	// Minutes of data before and after the trigger timestamp.
	Before    int64
	After     int64
	TriggerTs int64
}

// UploadFunc receives upload actions from the engine.
type UploadFunc func(ctx context.Context, action UploadAction) error

// Condition is one compiled when-predicate.
type Condition func(Item) bool

// CompileCondition turns a predicate spec into a matcher. Supported
// forms: "topic:<name>", "msgtype:<type>", "regex:<pattern>"; anything
// else matches as a substring of the message text.
func CompileCondition(spec string) (Condition, error) {
	switch {
	case strings.HasPrefix(spec, "topic:"):
		want := strings.TrimPrefix(spec, "topic:")

		return func(item Item) bool { return item.Topic == want }, nil
	case strings.HasPrefix(spec, "msgtype:"):
		want := strings.TrimPrefix(spec, "msgtype:")

		return func(item Item) bool { return item.Msgtype == want }, nil
	case strings.HasPrefix(spec, "regex:"):
		re, err := regexp.Compile(strings.TrimPrefix(spec, "regex:"))
		if err != nil {
			return nil, fmt.Errorf("rule: invalid regex predicate %q: %w", spec, err)
		}

		return func(item Item) bool { return re.MatchString(messageText(item)) }, nil
	default:
		return func(item Item) bool { return strings.Contains(messageText(item), spec) }, nil
	}
}

// messageText extracts the matchable text of a message payload.
func messageText(item Item) string {
	switch msg := item.Msg.(type) {
	case LogMessage:
		return msg.Message
	case string:
		return msg
	case nil:
		return ""
	default:
		return fmt.Sprint(msg)
	}
}

type compiledRule struct {
	projectName string
	spec        api.RuleSpec
	conditions  []Condition
	hit         map[string]any
}

func (r *compiledRule) matches(item Item) bool {
	for _, cond := range r.conditions {
		if !cond(item) {
			return false
		}
	}

	return len(r.conditions) > 0
}

// ruleSetName is the resource name of a project's rule collection.
func ruleSetName(projectName string) string {
	return projectName + "/diagnosisRule"
}

// Engine matches items against the compiled rules and dispatches upload
// actions, subject to server-side hit quotas.
type Engine struct {
	rules  []compiledRule
	client api.Client
	device string
	upload UploadFunc
	logger *slog.Logger
}

// BuildEngine compiles the project rule sets. Rule sets whose name does
// not end in /diagnosisRule are skipped, as are disabled groups and
// rules that fail to compile.
func BuildEngine(configs []api.ProjectDiagnosisRuleSet, upload UploadFunc, client api.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	device := ""
	if st := client.State(); st.Device != nil {
		device = st.Device.Name
	}

	e := &Engine{client: client, device: device, upload: upload, logger: logger}

	for _, projectSet := range configs {
		if !strings.HasSuffix(projectSet.Name, "/diagnosisRule") {
			logger.Warn("skipping rule set with unexpected name", "name", projectSet.Name)

			continue
		}

		projectName := strings.TrimSuffix(projectSet.Name, "/diagnosisRule")

		for _, group := range projectSet.Rules {
			if !group.Enabled {
				continue
			}

			for _, spec := range group.Rules {
				compiled, err := compileRule(projectName, spec)
				if err != nil {
					logger.Warn("skipping invalid rule", "project", projectName, "error", err)

					continue
				}

				e.rules = append(e.rules, compiled)
			}
		}
	}

	return e
}

func compileRule(projectName string, spec api.RuleSpec) (compiledRule, error) {
	conditions := make([]Condition, 0, len(spec.When))

	for _, when := range spec.When {
		cond, err := CompileCondition(when)
		if err != nil {
			return compiledRule{}, err
		}

		conditions = append(conditions, cond)
	}

	// The hit payload echoes the rule spec back to the platform.
	raw, err := json.Marshal(spec)
	if err != nil {
		return compiledRule{}, fmt.Errorf("rule: encoding rule spec: %w", err)
	}

	hit := map[string]any{}
	if err := json.Unmarshal(raw, &hit); err != nil {
		return compiledRule{}, fmt.Errorf("rule: decoding rule spec: %w", err)
	}

	return compiledRule{
		projectName: projectName,
		spec:        spec,
		conditions:  conditions,
		hit:         hit,
	}, nil
}

// RuleCount reports how many rules are active.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// ConsumeNext evaluates one item against every rule.
func (e *Engine) ConsumeNext(ctx context.Context, item Item) {
	for i := range e.rules {
		r := &e.rules[i]
		if !r.matches(item) {
			continue
		}

		allowed := e.shouldTriggerAction(ctx, r)
		if allowed {
			e.runActions(ctx, r, item)
		}

		e.notifyHit(ctx, r, allowed)
	}
}

// shouldTriggerAction enforces the rule's upload quota. Any count-query
// failure refuses the action; better to miss one upload than to blow a
// customer's quota while the counter is unreachable.
func (e *Engine) shouldTriggerAction(ctx context.Context, r *compiledRule) bool {
	limit := r.spec.UploadLimit
	if limit == nil {
		return true
	}

	name := ruleSetName(r.projectName)

	if limit.Device != nil {
		count, err := e.client.CountDiagnosisRuleHits(ctx, name, r.hit, e.device)
		if err != nil {
			e.logger.Warn("counting device rule hits failed, refusing action",
				"rule_set", name, "error", err)

			return false
		}

		if count >= limit.Device.Times {
			e.logger.Info("device upload limit reached",
				"rule_set", name, "count", count, "limit", limit.Device.Times)

			return false
		}
	}

	if limit.Global != nil {
		count, err := e.client.CountDiagnosisRuleHits(ctx, name, r.hit, "")
		if err != nil {
			e.logger.Warn("counting global rule hits failed, refusing action",
				"rule_set", name, "error", err)

			return false
		}

		if count >= limit.Global.Times {
			e.logger.Info("global upload limit reached",
				"rule_set", name, "count", count, "limit", limit.Global.Times)

			return false
		}
	}

	return true
}

func (e *Engine) runActions(ctx context.Context, r *compiledRule, item Item) {
	for _, action := range r.spec.Actions {
		switch action.Name {
		case "upload":
			ua := uploadActionFromArgs(action.Args)
			ua.ProjectName = r.projectName
			ua.TriggerTs = item.Ts

			if err := e.upload(ctx, ua); err != nil {
				e.logger.Warn("upload action failed", "project", r.projectName, "error", err)
			}
		case "create_moment":
			// Moments are created later by the record state machine.
		default:
			e.logger.Warn("unknown rule action", "action", action.Name)
		}
	}
}

// notifyHit reports the hit to the platform; failures are swallowed so
// an unreachable counter never stalls the stream.
func (e *Engine) notifyHit(ctx context.Context, r *compiledRule, actionTriggered bool) {
	ruleSet := &api.ProjectDiagnosisRuleSet{
		Name:  ruleSetName(r.projectName),
		Rules: []api.RuleSetSpec{{Rules: []api.RuleSpec{r.spec}}},
	}

	if err := e.client.HitDiagnosisRule(ctx, ruleSet, r.hit, e.device, actionTriggered); err != nil {
		e.logger.Warn("reporting rule hit failed", "rule_set", ruleSet.Name, "error", err)
	}
}

func uploadActionFromArgs(args map[string]any) UploadAction {
	ua := UploadAction{
		Title:       stringArg(args, "title"),
		Description: stringArg(args, "description"),
		Labels:      stringSliceArg(args, "labels"),
		ExtraFiles:  stringSliceArg(args, "extra_files"),
		Before:      intArg(args, "before"),
		After:       intArg(args, "after"),
	}

	return ua
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)

	return s
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))

	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

func intArg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()

		return n
	default:
		return 0
	}
}
