package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks all configuration values and returns all errors found,
// accumulated so users can fix every issue in one pass. A validation
// failure aborts startup with a non-zero exit.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.API.ServerURL == "" {
		errs = append(errs, errors.New("api.server_url must not be empty"))
	} else if !strings.HasPrefix(cfg.API.ServerURL, "http://") && !strings.HasPrefix(cfg.API.ServerURL, "https://") {
		errs = append(errs, fmt.Errorf("api.server_url %q must be an http(s) URL", cfg.API.ServerURL))
	}

	switch cfg.API.Type {
	case APITypeREST, APITypeGRPC:
	default:
		errs = append(errs, fmt.Errorf("api.type %q must be one of %q, %q", cfg.API.Type, APITypeREST, APITypeGRPC))
	}

	if cfg.Collector.ScanIntervalInSecs <= 0 {
		errs = append(errs, fmt.Errorf("collector.scan_interval_in_secs %d must be positive", cfg.Collector.ScanIntervalInSecs))
	}

	if cfg.EventCode.ResetIntervalInSecs <= 0 {
		errs = append(errs, fmt.Errorf("event_code.reset_interval_in_secs %d must be positive", cfg.EventCode.ResetIntervalInSecs))
	}

	if cfg.EventCode.Enabled && cfg.EventCode.CodeJSONURL == "" {
		errs = append(errs, errors.New("event_code.code_json_url must be set when event_code.enabled"))
	}

	if cfg.DeviceRegister.IntervalInSecs <= 0 {
		errs = append(errs, fmt.Errorf("device_register.interval_in_secs %d must be positive", cfg.DeviceRegister.IntervalInSecs))
	}

	if cfg.Mod.Name == "" {
		errs = append(errs, errors.New("mod.name must not be empty"))
	}

	return errors.Join(errs...)
}
