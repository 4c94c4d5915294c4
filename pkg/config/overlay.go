package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// overlay holds key/value pairs read from an optional YAML config file,
// consulted by every GetEnv* loader before os.Getenv. It lets an operator
// check a non-secret config.yaml into a deploy repo instead of wiring every
// tunable through the process environment. A non-empty overlay value takes
// precedence; the environment is consulted only for keys the overlay leaves
// unset or empty.
var (
	overlayMu sync.RWMutex
	overlay   map[string]string
)

// LoadYAMLOverlay reads a flat string-keyed YAML document from path and
// installs it as the process-wide config overlay. A missing file is not an
// error — every GetEnv* loader simply falls through to os.Getenv and then
// its own default, the same fail-open posture LoadEnvWithFallback already
// has for a single malformed value.
func LoadYAMLOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config overlay %s: %w", path, err)
	}

	var parsed map[string]string
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config overlay %s: %w", path, err)
	}

	overlayMu.Lock()
	overlay = parsed
	overlayMu.Unlock()
	return nil
}

// lookupEnv checks the YAML overlay first, then the process environment,
// mirroring the precedence documented on LoadYAMLOverlay.
func lookupEnv(key string) (string, bool) {
	overlayMu.RLock()
	v, ok := overlay[key]
	overlayMu.RUnlock()
	if ok && v != "" {
		return v, true
	}
	return os.LookupEnv(key)
}
