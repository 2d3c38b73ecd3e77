package mod

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/coscene-io/coscout/internal/api"
)

// discoverDevice resolves the device identity from the configured serial
// number source. An empty or missing source falls back to a generated
// serial number persisted next to the config file.
func discoverDevice(snFile, snField, fallbackPath string) (*api.RawDeviceState, error) {
	if snFile == "" {
		return generateDevice(fallbackPath)
	}

	if _, err := os.Stat(snFile); err != nil {
		return generateDevice(fallbackPath)
	}

	switch {
	case strings.HasSuffix(snFile, ".txt"):
		data, err := os.ReadFile(snFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrDeviceNotFound, snFile, err)
		}

		sn := strings.TrimSpace(string(data))

		return &api.RawDeviceState{SerialNumber: sn, DisplayName: sn, Description: sn}, nil
	case snField != "" && hasStructuredSuffix(snFile):
		sn, err := lookupField(snFile, snField)
		if err != nil {
			return nil, err
		}

		return &api.RawDeviceState{SerialNumber: sn, DisplayName: sn, Description: sn}, nil
	default:
		return generateDevice(fallbackPath)
	}
}

func hasStructuredSuffix(path string) bool {
	return strings.HasSuffix(path, ".json") ||
		strings.HasSuffix(path, ".yaml") ||
		strings.HasSuffix(path, ".yml")
}

// lookupField reads a YAML or JSON file and resolves a dotted field path
// against its flattened keys.
func lookupField(path, field string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrDeviceNotFound, path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("%w: parsing %s: %v", ErrDeviceNotFound, path, err)
	}

	flat := map[string]string{}
	flatten("", doc, flat)

	sn, ok := flat[field]
	if !ok || sn == "" {
		return "", fmt.Errorf("%w: field %q missing from %s", ErrDeviceNotFound, field, path)
	}

	return sn, nil
}

func flatten(prefix string, value any, out map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			flatten(joinKey(prefix, key), child, out)
		}
	case []any:
		for i, child := range v {
			flatten(joinKey(prefix, fmt.Sprint(i)), child, out)
		}
	case nil:
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}

	return prefix + "." + key
}

// generateDevice mints a stable random serial number on first use.
func generateDevice(snPath string) (*api.RawDeviceState, error) {
	if err := os.MkdirAll(filepath.Dir(snPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrDeviceNotFound, filepath.Dir(snPath), err)
	}

	if _, err := os.Stat(snPath); os.IsNotExist(err) {
		sn := strings.ReplaceAll(uuid.NewString(), "-", "")
		if err := os.WriteFile(snPath, []byte(sn), 0o644); err != nil {
			return nil, fmt.Errorf("%w: writing %s: %v", ErrDeviceNotFound, snPath, err)
		}
	}

	data, err := os.ReadFile(snPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrDeviceNotFound, snPath, err)
	}

	sn := strings.TrimSpace(string(data))

	node, err := os.Hostname()
	if err != nil {
		node = "unknown"
	}

	return &api.RawDeviceState{
		SerialNumber: sn,
		DisplayName:  node + "@" + sn,
		Description:  fmt.Sprintf("node: %s, sn: %s", node, sn),
	}, nil
}
