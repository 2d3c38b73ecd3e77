package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coscene-io/coscout/internal/netusage"
)

// Per-call deadline. Every platform call is bounded so a wedged network
// never stalls the sweep loop.
const requestTimeout = 10 * time.Second

// Options configures a platform client.
type Options struct {
	ServerURL   string
	ProjectSlug string
	OrgSlug     string
	StatePath   string
	Meter       *netusage.Meter
	Logger      *slog.Logger
	HTTPClient  *http.Client
}

// New constructs a Client for the given transport type. Only "rest" is
// implemented; "grpc" is reserved in the config schema and fails here so
// a misconfiguration surfaces at startup rather than mid-sweep.
func New(transport string, opts Options) (Client, error) {
	switch transport {
	case "rest":
		return NewREST(opts)
	case "grpc":
		return nil, fmt.Errorf("api: grpc transport is not supported, use rest")
	default:
		return nil, fmt.Errorf("api: unknown transport %q", transport)
	}
}

type restClient struct {
	baseURL     string
	projectSlug string
	orgSlug     string
	statePath   string
	meter       *netusage.Meter
	logger      *slog.Logger
	httpc       *http.Client

	mu          sync.Mutex
	state       *ClientState
	projectName string
}

// NewREST builds the REST transport, loading persisted client state from
// opts.StatePath if present.
func NewREST(opts Options) (Client, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("api: server URL must not be empty")
	}

	state := &ClientState{}
	if opts.StatePath != "" {
		if err := LoadState(opts.StatePath, state); err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}

	return &restClient{
		baseURL:     strings.TrimRight(opts.ServerURL, "/"),
		projectSlug: opts.ProjectSlug,
		orgSlug:     opts.OrgSlug,
		statePath:   opts.StatePath,
		meter:       opts.Meter,
		logger:      logger,
		httpc:       httpc,
		state:       state,
	}, nil
}

func (c *restClient) State() *ClientState {
	return c.state
}

func (c *restClient) SaveState() error {
	if c.statePath == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return SaveState(c.statePath, c.state)
}

// do performs one JSON API call. All byte traffic, request and response,
// is accounted to the network meter.
func (c *restClient) do(ctx context.Context, op, method, path string, query url.Values, body, out any, authed bool) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	var reqBody io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: %s: encoding request: %w", op, err)
		}

		if c.meter != nil {
			c.meter.AddUpload(int64(len(payload)))
		}

		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, reqBody)
	if err != nil {
		return fmt.Errorf("api: %s: building request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if authed {
		c.mu.Lock()
		key := c.state.APIKey
		c.mu.Unlock()
		req.SetBasicAuth("apikey", key)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: %s: reading response: %w", op, err)
	}

	if c.meter != nil {
		c.meter.AddDownload(int64(len(data)))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &CallError{Op: op, StatusCode: resp.StatusCode, Message: "unauthorized", Err: ErrUnauthorized}
	case resp.StatusCode == http.StatusNotFound:
		return &CallError{Op: op, StatusCode: resp.StatusCode, Message: string(data), Err: ErrNotFound}
	case resp.StatusCode >= 400:
		return &CallError{Op: op, StatusCode: resp.StatusCode, Message: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("api: %s: decoding response: %w", op, err)
		}
	}

	return nil
}

func (c *restClient) OrgName(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.state.OrgName
	c.mu.Unlock()

	if cached != "" {
		return cached, nil
	}

	org, err := c.GetOrganization(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.state.OrgName = org.Name
	c.mu.Unlock()

	if err := c.SaveState(); err != nil {
		c.logger.Warn("saving org name failed", "error", err)
	}

	return org.Name, nil
}

func (c *restClient) GetOrganization(ctx context.Context) (*Organization, error) {
	var org Organization
	if err := c.do(ctx, "get organization", http.MethodGet, "/dataplatform/v1alpha1/organizations/current", nil, nil, &org, true); err != nil {
		return nil, err
	}

	return &org, nil
}

func (c *restClient) ListDeviceProjects(ctx context.Context, deviceName string) ([]Project, error) {
	var out struct {
		DeviceProjects []Project `json:"deviceProjects"`
	}

	q := url.Values{"pageSize": {"1000"}}
	if err := c.do(ctx, "list device projects", http.MethodGet, "/dataplatform/v1alpha1/"+deviceName+"/projects", q, nil, &out, true); err != nil {
		return nil, err
	}

	return out.DeviceProjects, nil
}

func (c *restClient) convertWarehouseSlug(ctx context.Context, slug string) (string, error) {
	name := "warehouses/" + slug

	var out struct {
		Warehouse string `json:"warehouse"`
	}

	body := map[string]string{"warehouse": name}
	if err := c.do(ctx, "convert warehouse slug", http.MethodPost, "/dataplatform/v1alpha1/"+name+":convertWarehouseSlug", nil, body, &out, true); err != nil {
		return "", err
	}

	if out.Warehouse == "" {
		return "", &CallError{Op: "convert warehouse slug", Message: "warehouse not found: " + slug, Err: ErrNotFound}
	}

	return out.Warehouse, nil
}

func (c *restClient) convertProjectSlug(ctx context.Context, warehouseID, slug string) (string, error) {
	name := fmt.Sprintf("warehouses/%s/projects/%s", warehouseID, slug)

	var out struct {
		Project string `json:"project"`
	}

	body := map[string]string{"project": name}
	if err := c.do(ctx, "convert project slug", http.MethodPost, "/dataplatform/v1alpha1/"+name+":convertProjectSlug", nil, body, &out, true); err != nil {
		return "", err
	}

	return out.Project, nil
}

// ProjectSlugToName resolves "<warehouse>/<project>" or a bare project
// slug to a canonical resource name. Resolved names are cached in the
// persisted state so repeat lookups skip the network.
func (c *restClient) ProjectSlugToName(ctx context.Context, slug string) (string, error) {
	c.mu.Lock()
	if cached, ok := c.state.SlugCache[slug]; ok && cached != "" {
		c.mu.Unlock()

		return cached, nil
	}
	c.mu.Unlock()

	// The warehouse part of a full slug is vestigial, always "default".
	projSlug := slug
	if i := strings.Index(projSlug, "/"); i >= 0 {
		projSlug = projSlug[i+1:]
	}

	warehouse, err := c.convertWarehouseSlug(ctx, "default")
	if err != nil {
		return "", err
	}

	warehouseID := strings.Split(warehouse, "/")[1]

	project, err := c.convertProjectSlug(ctx, warehouseID, projSlug)
	if err != nil {
		return "", err
	}

	if project == "" {
		return "", &CallError{Op: "convert project slug", Message: "project not found: " + slug, Err: ErrNotFound}
	}

	pn, err := ParseProjectName(project)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("warehouses/%s/projects/%s", warehouseID, pn.ProjectID)

	c.mu.Lock()
	if c.state.SlugCache == nil {
		c.state.SlugCache = map[string]string{}
	}
	c.state.SlugCache[slug] = name
	c.mu.Unlock()

	if err := c.SaveState(); err != nil {
		c.logger.Warn("saving slug cache failed", "error", err)
	}

	return name, nil
}

func (c *restClient) ProjectName(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.projectName
	c.mu.Unlock()

	if cached != "" {
		return cached, nil
	}

	if c.projectSlug == "" {
		return "", fmt.Errorf("api: no project slug configured")
	}

	name, err := c.ProjectSlugToName(ctx, c.projectSlug)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.projectName = name
	c.mu.Unlock()

	return name, nil
}

func (c *restClient) SetProjectName(name string) {
	c.mu.Lock()
	c.projectName = name
	c.mu.Unlock()
}

func (c *restClient) GetConfigMap(ctx context.Context, configKey, parentName string) (*ConfigMap, error) {
	parent, err := c.configParent(ctx, parentName)
	if err != nil {
		return nil, err
	}

	var cm ConfigMap
	path := fmt.Sprintf("/dataplatform/v1alpha2/%s/configMaps/%s", parent, configKey)
	if err := c.do(ctx, "get configmap", http.MethodGet, path, nil, nil, &cm, true); err != nil {
		return nil, err
	}

	return &cm, nil
}

func (c *restClient) GetConfigMapMetadata(ctx context.Context, configKey, parentName string) (*ConfigMapMetadata, error) {
	parent, err := c.configParent(ctx, parentName)
	if err != nil {
		return nil, err
	}

	var md ConfigMapMetadata
	path := fmt.Sprintf("/dataplatform/v1alpha2/%s/configMaps/%s/metadata", parent, configKey)
	if err := c.do(ctx, "get configmap metadata", http.MethodGet, path, nil, nil, &md, true); err != nil {
		return nil, err
	}

	return &md, nil
}

func (c *restClient) configParent(ctx context.Context, parentName string) (string, error) {
	if parentName != "" {
		return parentName, nil
	}

	return c.OrgName(ctx)
}

func (c *restClient) CreateRecord(ctx context.Context, title, description string, labels []string, deviceName string) (*Record, error) {
	project, err := c.ProjectName(ctx)
	if err != nil {
		return nil, err
	}

	ensured := make([]Label, 0, len(labels))

	for _, lbl := range labels {
		l, err := c.EnsureLabel(ctx, lbl)
		if err != nil {
			return nil, err
		}

		ensured = append(ensured, *l)
	}

	payload := map[string]any{
		"title":       title,
		"description": description,
		"labels":      ensured,
	}
	if deviceName != "" {
		payload["device"] = map[string]string{"name": deviceName}
	}

	var rec Record
	if err := c.do(ctx, "create record", http.MethodPost, "/dataplatform/v1alpha2/"+project+"/records", nil, payload, &rec, true); err != nil {
		return nil, err
	}

	if rec.Name == "" {
		return nil, &CallError{Op: "create record", Message: "response has no record name"}
	}

	c.logger.Info("created record", "record", rec.Name)

	return &rec, nil
}

func (c *restClient) GetRecord(ctx context.Context, recordName string) (*Record, error) {
	project, err := c.ProjectName(ctx)
	if err != nil {
		return nil, err
	}

	var out struct {
		Records []Record `json:"records"`
	}

	q := url.Values{"parent": {project}, "names": {recordName}}
	if err := c.do(ctx, "get record", http.MethodGet, "/dataplatform/v1alpha2/"+project+"/records:batchGet", q, nil, &out, true); err != nil {
		return nil, err
	}

	if len(out.Records) == 0 {
		return nil, &CallError{Op: "get record", Message: "record not found: " + recordName, Err: ErrNotFound}
	}

	return &out.Records[0], nil
}

func (c *restClient) UpdateRecord(ctx context.Context, recordName, title, description string, labels []string) (*Record, error) {
	payload := map[string]any{"name": recordName}
	mask := url.Values{}

	if title != "" {
		payload["title"] = title
		mask.Add("updateMask", "title")
	}

	if description != "" {
		payload["description"] = description
		mask.Add("updateMask", "description")
	}

	if len(labels) > 0 {
		ensured := make([]Label, 0, len(labels))

		for _, lbl := range labels {
			l, err := c.EnsureLabel(ctx, lbl)
			if err != nil {
				return nil, err
			}

			ensured = append(ensured, *l)
		}

		payload["labels"] = ensured
		mask.Add("updateMask", "labels")
	}

	var rec Record
	if err := c.do(ctx, "update record", http.MethodPatch, "/dataplatform/v1alpha2/"+recordName, mask, payload, &rec, true); err != nil {
		return nil, err
	}

	if rec.Name == "" {
		return nil, &CallError{Op: "update record", Message: "response has no record name"}
	}

	return &rec, nil
}

func (c *restClient) CreateOrGetRecord(ctx context.Context, title, description string, labels []string, deviceName, recordName string) (*Record, error) {
	var (
		rec *Record
		err error
	)

	if recordName == "" {
		rec, err = c.CreateRecord(ctx, title, description, labels, deviceName)
	} else {
		rec, err = c.GetRecord(ctx, recordName)
	}

	if err != nil {
		return nil, err
	}

	// Server-side file listings and transformations from an earlier
	// revision must not feed back into the upload plan.
	delete(rec.Head, "files")
	delete(rec.Head, "transformation")

	return rec, nil
}

func (c *restClient) GenerateRecordThumbnailUploadURL(ctx context.Context, recordName string) (string, error) {
	payload := map[string]any{
		"expire_duration": map[string]int{"seconds": 3600},
	}

	var out struct {
		PreSignedURI string `json:"preSignedUri"`
	}

	path := "/dataplatform/v1alpha2/" + recordName + ":generateRecordThumbnailUploadUrl"
	if err := c.do(ctx, "generate thumbnail upload url", http.MethodPost, path, nil, payload, &out, true); err != nil {
		return "", err
	}

	return out.PreSignedURI, nil
}

func (c *restClient) RegisterDevice(ctx context.Context, dev *Device, projectSlug, orgSlug string) (*RegisterResult, error) {
	if dev == nil || dev.SerialNumber == "" {
		return nil, fmt.Errorf("api: register device requires a serial number")
	}

	payload := map[string]any{"device": dev}
	if projectSlug != "" {
		payload["projectSlug"] = projectSlug
	}

	if orgSlug != "" {
		payload["organizationSlug"] = orgSlug
	}

	var result RegisterResult
	if err := c.do(ctx, "register device", http.MethodPost, "/dataplatform/v1alpha2/devices:registerDevice", nil, payload, &result, false); err != nil {
		return nil, err
	}

	if result.Device.Name == "" || result.ExchangeCode == "" {
		return nil, &CallError{Op: "register device", Message: "response missing device name or exchange code"}
	}

	c.logger.Info("registered device", "device", result.Device.Name)

	return &result, nil
}

func (c *restClient) CheckDeviceStatus(ctx context.Context, deviceName, exchangeCode string) (*DeviceStatus, error) {
	if deviceName == "" || exchangeCode == "" {
		return nil, fmt.Errorf("api: check device status requires device name and exchange code")
	}

	var status DeviceStatus

	q := url.Values{"exchangeCode": {exchangeCode}}
	if err := c.do(ctx, "check device status", http.MethodGet, "/dataplatform/v1alpha2/"+deviceName+":checkDeviceStatus", q, nil, &status, false); err != nil {
		return nil, err
	}

	return &status, nil
}

func (c *restClient) ExchangeDeviceAuthToken(ctx context.Context, deviceName, exchangeCode string) (*AuthTokenResult, error) {
	if deviceName == "" || exchangeCode == "" {
		return nil, fmt.Errorf("api: exchange auth token requires device name and exchange code")
	}

	body := map[string]string{"exchange_code": exchangeCode}

	var result AuthTokenResult
	if err := c.do(ctx, "exchange device auth token", http.MethodPost, "/dataplatform/v1alpha2/"+deviceName+"/authToken:exchange", nil, body, &result, false); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *restClient) SendHeartbeat(ctx context.Context, deviceName, cosVersion string, usage netusage.Usage) error {
	if deviceName == "" {
		return nil
	}

	body := map[string]any{
		"cos_version":   cosVersion,
		"network_usage": usage,
	}

	return c.do(ctx, "send heartbeat", http.MethodPost, "/dataplatform/v1alpha2/"+deviceName+":heartbeat", nil, body, nil, true)
}

func (c *restClient) GetDevice(ctx context.Context, deviceName string) (*Device, error) {
	var dev Device
	if err := c.do(ctx, "get device", http.MethodGet, "/dataplatform/v1alpha2/"+deviceName, nil, nil, &dev, true); err != nil {
		return nil, err
	}

	return &dev, nil
}

func (c *restClient) UpdateDeviceTags(ctx context.Context, deviceName string, tags map[string]string) error {
	payload := map[string]any{"name": deviceName, "tags": tags}
	q := url.Values{"updateMask": {"tags"}}

	return c.do(ctx, "update device tags", http.MethodPatch, "/dataplatform/v1alpha2/"+deviceName, q, payload, nil, true)
}

func (c *restClient) CreateEvent(ctx context.Context, req EventRequest) (*Event, error) {
	if req.RecordName == "" || req.DisplayName == "" {
		return nil, fmt.Errorf("api: create event requires record name and display name")
	}

	project, err := c.ProjectName(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"displayName": req.DisplayName,
		"triggerTime": map[string]int64{
			"seconds": req.TriggerTime.Unix(),
			"nanos":   int64(req.TriggerTime.Nanosecond()),
		},
		"duration": map[string]int64{
			"seconds": int64(req.Duration / time.Second),
			"nanos":   int64(req.Duration % time.Second),
		},
		"description":      req.Description,
		"customizedFields": req.CustomizedFields,
	}
	if req.DeviceName != "" {
		payload["device"] = map[string]string{"name": req.DeviceName}
	}

	var ev Event

	q := url.Values{"record": {req.RecordName}}
	if err := c.do(ctx, "create event", http.MethodPost, "/dataplatform/v1alpha2/"+project+"/events", q, payload, &ev, true); err != nil {
		return nil, err
	}

	return &ev, nil
}

func (c *restClient) EnsureLabel(ctx context.Context, displayName string) (*Label, error) {
	project, err := c.ProjectName(ctx)
	if err != nil {
		return nil, err
	}

	var out struct {
		Labels []Label `json:"labels"`
	}

	q := url.Values{
		"parent":   {project},
		"filter":   {fmt.Sprintf("displayName=%q", displayName)},
		"pageSize": {"100"},
	}
	if err := c.do(ctx, "list labels", http.MethodGet, "/dataplatform/v1alpha1/"+project+"/labels", q, nil, &out, true); err != nil {
		return nil, err
	}

	for i := range out.Labels {
		if out.Labels[i].DisplayName == displayName {
			return &out.Labels[i], nil
		}
	}

	body := map[string]string{"displayName": displayName}

	var created Label
	if err := c.do(ctx, "create label", http.MethodPost, "/dataplatform/v1alpha1/"+project+"/labels", nil, body, &created, true); err != nil {
		return nil, err
	}

	return &created, nil
}

func (c *restClient) GenerateSecurityToken(ctx context.Context, projectName string) (*SecurityToken, error) {
	payload := map[string]any{
		"expireDuration": map[string]int{"seconds": 3600},
		"project":        projectName,
	}

	var token SecurityToken
	if err := c.do(ctx, "generate security token", http.MethodPost, "/datastorage/v1alpha1/securityTokens:generateSecurityToken", nil, payload, &token, true); err != nil {
		return nil, err
	}

	return &token, nil
}

func (c *restClient) GetDiagnosisRule(ctx context.Context, parentName string) (*ProjectDiagnosisRuleSet, error) {
	if parentName == "" {
		parentName = "warehouses/-/projects/-"
	}

	var rs ProjectDiagnosisRuleSet
	if err := c.do(ctx, "get diagnosis rule", http.MethodGet, "/dataplatform/v1alpha2/"+parentName+"/diagnosisRule", nil, nil, &rs, true); err != nil {
		return nil, err
	}

	return &rs, nil
}

func (c *restClient) GetDiagnosisRuleVersion(ctx context.Context, parentName string) (int64, error) {
	if parentName == "" {
		parentName = "warehouses/-/projects/-"
	}

	var out struct {
		CurrentVersion Int64String `json:"currentVersion"`
	}

	if err := c.do(ctx, "get diagnosis rule metadata", http.MethodGet, "/dataplatform/v1alpha2/"+parentName+"/diagnosisRule/metadata", nil, nil, &out, true); err != nil {
		return 0, err
	}

	return int64(out.CurrentVersion), nil
}

func (c *restClient) HitDiagnosisRule(ctx context.Context, ruleSet *ProjectDiagnosisRuleSet, hit map[string]any, deviceName string, upload bool) error {
	payload := map[string]any{
		"diagnosis_rule": ruleSet,
		"hit":            hit,
		"device":         deviceRef(deviceName),
		"upload":         upload,
	}

	return c.do(ctx, "hit diagnosis rule", http.MethodPost, "/dataplatform/v1alpha2/"+ruleSet.Name+":hit", nil, payload, nil, true)
}

func (c *restClient) CountDiagnosisRuleHits(ctx context.Context, ruleName string, hit map[string]any, deviceName string) (int64, error) {
	payload := map[string]any{
		"diagnosis_rule": ruleName,
		"hit":            hit,
		"device":         deviceRef(deviceName),
	}

	var out struct {
		Count Int64String `json:"count"`
	}

	if err := c.do(ctx, "count diagnosis rule hits", http.MethodPost, "/dataplatform/v1alpha2/"+ruleName+":countDiagnosisRuleHits", nil, payload, &out, true); err != nil {
		return 0, err
	}

	return int64(out.Count), nil
}

// deviceRef keeps the empty-device form used for global hit counts.
func deviceRef(deviceName string) any {
	if deviceName == "" {
		return ""
	}

	return map[string]string{"name": deviceName}
}

func (c *restClient) CreateTask(ctx context.Context, recordName, title, description, assignee string) (*Task, error) {
	project, err := c.ProjectName(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"title":       title,
		"description": description,
		"assignee":    assignee,
		"record":      recordName,
	}

	var task Task
	if err := c.do(ctx, "create task", http.MethodPost, "/dataplatform/v1alpha2/"+project+"/tasks", nil, payload, &task, true); err != nil {
		return nil, err
	}

	return &task, nil
}

func (c *restClient) ListDeviceTasks(ctx context.Context, deviceName, filterState string) ([]Task, error) {
	if filterState == "" {
		filterState = TaskStateUnspecified
	}

	var out struct {
		DeviceTasks []Task `json:"deviceTasks"`
	}

	q := url.Values{
		"parent":   {deviceName},
		"filter":   {fmt.Sprintf("state=%q", filterState)},
		"pageSize": {"10"},
	}
	if err := c.do(ctx, "list device tasks", http.MethodGet, "/dataplatform/v1alpha3/"+deviceName+"/tasks", q, nil, &out, true); err != nil {
		return nil, err
	}

	return out.DeviceTasks, nil
}

func (c *restClient) UpdateTaskState(ctx context.Context, taskName, state string) error {
	payload := map[string]any{"name": taskName, "state": state}
	q := url.Values{"updateMask": {"state"}}

	return c.do(ctx, "update task state", http.MethodPatch, "/dataplatform/v1alpha3/"+taskName, q, payload, nil, true)
}

func (c *restClient) AddTaskTags(ctx context.Context, taskName string, tags map[string]string) error {
	payload := map[string]any{"tags": tags}

	return c.do(ctx, "add task tags", http.MethodPost, "/dataplatform/v1alpha3/"+taskName+":addTaskTags", nil, payload, nil, true)
}

func (c *restClient) IncCounter(ctx context.Context, name string, value int64, extraLabels map[string]string) error {
	labels := make(map[string]string, len(extraLabels)+2)
	for k, v := range extraLabels {
		labels[k] = v
	}

	c.mu.Lock()
	if c.projectName != "" {
		labels["project"] = c.projectName
	}

	if c.state.Device != nil && c.state.Device.Model != "" {
		labels["device"] = c.state.Device.Model
	}
	c.mu.Unlock()

	payload := map[string]any{
		"counter": map[string]any{
			"name":   name,
			"labels": labels,
		},
		"value": value,
	}

	return c.do(ctx, "inc counter", http.MethodPost, "/dataplatform/v1alpha1/metrics:incCounter", nil, payload, nil, true)
}

func (c *restClient) UploadFile(ctx context.Context, uploadURL, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("api: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("api: stat %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return fmt.Errorf("api: building upload request: %w", err)
	}

	req.ContentLength = info.Size()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("api: uploading %s: %w", path, err)
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &CallError{Op: "upload file", StatusCode: resp.StatusCode, Message: "presigned upload failed"}
	}

	if c.meter != nil {
		c.meter.AddUpload(info.Size())
	}

	return nil
}
