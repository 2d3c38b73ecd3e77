package api

import (
	"context"
	"time"

	"github.com/coscene-io/coscout/internal/netusage"
)

// EventRequest describes a moment to create on a record.
type EventRequest struct {
	RecordName       string
	DisplayName      string
	Description      string
	TriggerTime      time.Time
	Duration         time.Duration
	CustomizedFields map[string]string
	DeviceName       string
}

// Client is the platform surface the agent consumes. The REST transport
// implements it; construction with an unsupported transport type fails.
type Client interface {
	// State returns the mutable persisted client state. Callers that
	// change it are responsible for calling SaveState.
	State() *ClientState
	SaveState() error

	// ProjectName returns the resolved default project resource name,
	// resolving the configured slug on first use.
	ProjectName(ctx context.Context) (string, error)
	SetProjectName(name string)
	OrgName(ctx context.Context) (string, error)

	// Organization and projects.
	GetOrganization(ctx context.Context) (*Organization, error)
	ListDeviceProjects(ctx context.Context, deviceName string) ([]Project, error)
	ProjectSlugToName(ctx context.Context, slug string) (string, error)

	// Remote config maps, parented under the organization by default.
	GetConfigMap(ctx context.Context, configKey, parentName string) (*ConfigMap, error)
	GetConfigMapMetadata(ctx context.Context, configKey, parentName string) (*ConfigMapMetadata, error)

	// Records.
	CreateRecord(ctx context.Context, title, description string, labels []string, deviceName string) (*Record, error)
	GetRecord(ctx context.Context, recordName string) (*Record, error)
	UpdateRecord(ctx context.Context, recordName, title, description string, labels []string) (*Record, error)
	// CreateOrGetRecord fetches recordName when given, otherwise creates
	// a fresh record. The returned record's head is stripped of files and
	// transformation so stale revisions never leak into upload planning.
	CreateOrGetRecord(ctx context.Context, title, description string, labels []string, deviceName, recordName string) (*Record, error)
	GenerateRecordThumbnailUploadURL(ctx context.Context, recordName string) (string, error)

	// Device lifecycle.
	RegisterDevice(ctx context.Context, dev *Device, projectSlug, orgSlug string) (*RegisterResult, error)
	CheckDeviceStatus(ctx context.Context, deviceName, exchangeCode string) (*DeviceStatus, error)
	ExchangeDeviceAuthToken(ctx context.Context, deviceName, exchangeCode string) (*AuthTokenResult, error)
	SendHeartbeat(ctx context.Context, deviceName, cosVersion string, usage netusage.Usage) error
	GetDevice(ctx context.Context, deviceName string) (*Device, error)
	UpdateDeviceTags(ctx context.Context, deviceName string, tags map[string]string) error

	// Events and labels.
	CreateEvent(ctx context.Context, req EventRequest) (*Event, error)
	EnsureLabel(ctx context.Context, displayName string) (*Label, error)

	// Object-store credentials scoped to a project.
	GenerateSecurityToken(ctx context.Context, projectName string) (*SecurityToken, error)

	// Diagnosis rules, parented per project.
	GetDiagnosisRule(ctx context.Context, parentName string) (*ProjectDiagnosisRuleSet, error)
	GetDiagnosisRuleVersion(ctx context.Context, parentName string) (int64, error)
	HitDiagnosisRule(ctx context.Context, ruleSet *ProjectDiagnosisRuleSet, hit map[string]any, deviceName string, upload bool) error
	CountDiagnosisRuleHits(ctx context.Context, ruleName string, hit map[string]any, deviceName string) (int64, error)

	// Tasks.
	CreateTask(ctx context.Context, recordName, title, description, assignee string) (*Task, error)
	ListDeviceTasks(ctx context.Context, deviceName, filterState string) ([]Task, error)
	UpdateTaskState(ctx context.Context, taskName, state string) error
	AddTaskTags(ctx context.Context, taskName string, tags map[string]string) error

	// Server-side metrics.
	IncCounter(ctx context.Context, name string, value int64, extraLabels map[string]string) error

	// UploadFile PUTs a local file to a presigned URL (thumbnails).
	UploadFile(ctx context.Context, uploadURL, path string) error
}
