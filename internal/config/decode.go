package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses JSON, or YAML when name ends in .yaml/.yml. YAML is
// converted to JSON first so both formats go through the same strict
// decoder: unknown keys and trailing data are errors.
func Decode(name string, data []byte) (*Config, error) {
	format := "json"
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		format = "yaml"
		jb, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = jb
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	jb, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return jb, nil
}

// stringKeys rewrites nested maps so every key is a string, which
// encoding/json requires.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case []any:
		for i, v := range x {
			x[i] = stringKeys(v)
		}
		return x
	}
	return in
}

// ParseDurationField parses a Go duration string found at path. Blank
// means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, s)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for a
// blank or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
