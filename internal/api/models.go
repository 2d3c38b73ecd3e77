package api

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Int64String decodes a 64-bit integer that proto JSON may encode as
// either a bare number or a quoted string.
type Int64String int64

func (n *Int64String) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0

		return nil
	}

	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}

	*n = Int64String(v)

	return nil
}

func (n Int64String) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(n), 10)), nil
}

// Organization is the caller's organization.
type Organization struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// ConfigMap is a versioned remote config object.
type ConfigMap struct {
	Name  string         `json:"name"`
	Value map[string]any `json:"value"`
}

// ConfigMapMetadata carries just the version for cheap change detection.
type ConfigMapMetadata struct {
	Name           string      `json:"name"`
	CurrentVersion Int64String `json:"currentVersion"`
}

// Project as returned by ListDeviceProjects.
type Project struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Slug        string `json:"slug,omitempty"`
}

// Label is a display-name keyed tag on records.
type Label struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName"`
}

// Device is the platform-side device object.
type Device struct {
	Name         string            `json:"name"`
	DisplayName  string            `json:"display_name,omitempty"`
	SerialNumber string            `json:"serial_number,omitempty"`
	Description  string            `json:"description,omitempty"`
	Model        string            `json:"model,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Labels       []Label           `json:"labels,omitempty"`
}

// Record is the server-side record object. Head stays raw so
// CreateOrGetRecord can strip files/transformation without knowing the
// full revision schema.
type Record struct {
	Name        string                     `json:"name"`
	Title       string                     `json:"title,omitempty"`
	Description string                     `json:"description,omitempty"`
	Labels      []Label                    `json:"labels,omitempty"`
	Device      *Device                    `json:"device,omitempty"`
	Head        map[string]json.RawMessage `json:"head,omitempty"`
}

// RegisterResult is returned by RegisterDevice.
type RegisterResult struct {
	Device       Device `json:"device"`
	ExchangeCode string `json:"exchangeCode"`
}

// DeviceStatus is returned by CheckDeviceStatus.
type DeviceStatus struct {
	Exist          bool   `json:"exist"`
	AuthorizeState string `json:"authorizeState"`
}

// Device authorization states.
const (
	AuthorizeStateRejected = "REJECTED"
)

// AuthTokenResult is returned by ExchangeDeviceAuthToken.
type AuthTokenResult struct {
	DeviceAuthToken string `json:"deviceAuthToken"`
	ExpiresTime     string `json:"expiresTime"` // RFC-3339
}

// SecurityToken carries temporary object-store credentials.
type SecurityToken struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	AccessKeySecret string `json:"accessKeySecret"`
	SessionToken    string `json:"sessionToken"`
}

// Event is a point-in-time annotation on a record.
type Event struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName"`
}

// Task states used by the agent.
const (
	TaskStateUnspecified = "TASK_STATE_UNSPECIFIED"
	TaskStatePending     = "PENDING"
	TaskStateProcessing  = "PROCESSING"
	TaskStateSucceeded   = "SUCCEEDED"
)

// UploadTaskDetail is the time window of an explicit upload task.
type UploadTaskDetail struct {
	StartTime string `json:"startTime,omitempty"` // RFC-3339
	EndTime   string `json:"endTime,omitempty"`
}

// Task is a platform task, typically an upload request dispatched to the
// device.
type Task struct {
	Name             string            `json:"name"`
	Title            string            `json:"title,omitempty"`
	Description      string            `json:"description,omitempty"`
	State            string            `json:"state,omitempty"`
	Assignee         string            `json:"assignee,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	UploadTaskDetail *UploadTaskDetail `json:"uploadTaskDetail,omitempty"`
}

// ProjectDiagnosisRuleSet is one project's remote rule collection, named
// "<project>/diagnosisRule".
type ProjectDiagnosisRuleSet struct {
	Name  string        `json:"name"`
	Rules []RuleSetSpec `json:"rules"`
}

// RuleSetSpec groups sub-rules behind a shared enable switch.
type RuleSetSpec struct {
	Enabled bool       `json:"enabled"`
	Rules   []RuleSpec `json:"rules"`
}

// RuleSpec is a single diagnosis rule. The When entries are predicate
// specs owned by the rule engine's compiler; this package treats them as
// opaque strings.
type RuleSpec struct {
	When        []string     `json:"when,omitempty"`
	Actions     []ActionSpec `json:"actions,omitempty"`
	UploadLimit *UploadLimit `json:"uploadLimit,omitempty"`
}

// ActionSpec names an engine action with its arguments.
type ActionSpec struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// UploadLimit caps how often a rule may trigger an upload.
type UploadLimit struct {
	Device *LimitTimes `json:"device,omitempty"`
	Global *LimitTimes `json:"global,omitempty"`
}

// LimitTimes is a bare hit-count cap.
type LimitTimes struct {
	Times int64 `json:"times"`
}

// HitCount is returned by CountDiagnosisRuleHits.
type HitCount struct {
	Count int64 `json:"count"`
}
