// Package config loads and validates the agent configuration from
// config.yaml, layering defaults, the file, and environment overrides.
package config

// Transport kinds accepted for api.type.
const (
	APITypeREST = "rest"
	APITypeGRPC = "grpc"
)

// Config is the root of config.yaml. Field names mirror the file keys.
type Config struct {
	API            APIConfig       `yaml:"api"`
	Collector      CollectorConfig `yaml:"collector"`
	EventCode      EventCodeConfig `yaml:"event_code"`
	Updater        UpdaterConfig   `yaml:"updater"`
	DeviceRegister RegisterConfig  `yaml:"device_register"`
	Mod            ModConfig       `yaml:"mod"`
}

// APIConfig configures the platform client.
type APIConfig struct {
	ServerURL   string `yaml:"server_url"`
	ProjectSlug string `yaml:"project_slug"`
	OrgSlug     string `yaml:"org_slug"`
	Type        string `yaml:"type"`
	UseCache    bool   `yaml:"use_cache"`
}

// CollectorConfig configures the sweep loop and record retention.
type CollectorConfig struct {
	DeleteAfterUpload          bool `yaml:"delete_after_upload"`
	DeleteAfterIntervalInHours int  `yaml:"delete_after_interval_in_hours"`
	ScanIntervalInSecs         int  `yaml:"scan_interval_in_secs"`
}

// EventCodeConfig configures the per-code upload limiter.
type EventCodeConfig struct {
	Enabled             bool           `yaml:"enabled"`
	Whitelist           map[string]int `yaml:"whitelist"`
	ResetIntervalInSecs int64          `yaml:"reset_interval_in_secs"`
	CodeJSONURL         string         `yaml:"code_json_url"`
}

// UpdaterConfig is consumed by the self-updater, which runs outside the
// collector core. Kept here so config.yaml round-trips completely.
type UpdaterConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalInSecs  int64  `yaml:"interval_in_secs"`
	ArtifactBaseURL string `yaml:"artifact_base_url"`
	BinaryPath      string `yaml:"binary_path"`
}

// RegisterConfig controls how often the auth loop retries while the
// device waits for operator approval.
type RegisterConfig struct {
	IntervalInSecs int `yaml:"interval_in_secs"`
}

// ModConfig selects the active mod and carries its open config bag.
// Keys inside Conf are mod-specific and intentionally not validated here.
type ModConfig struct {
	Name string         `yaml:"name"`
	Conf map[string]any `yaml:"conf"`
}

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for YAML decoding so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			ServerURL: "https://openapi.coscene.cn",
			Type:      APITypeREST,
			UseCache:  true,
		},
		Collector: CollectorConfig{
			DeleteAfterUpload:          true,
			DeleteAfterIntervalInHours: -1,
			ScanIntervalInSecs:         60,
		},
		EventCode: EventCodeConfig{
			ResetIntervalInSecs: 86400,
		},
		Updater: UpdaterConfig{
			Enabled:        true,
			IntervalInSecs: 86400,
		},
		DeviceRegister: RegisterConfig{
			IntervalInSecs: 60,
		},
		Mod: ModConfig{
			Name: "default",
		},
	}
}
