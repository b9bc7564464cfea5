package config

import (
	"os"
	"strings"
)

// EnvVar selects the environment-specific config file when -env is not given.
const EnvVar = "TIMERD_ENV"

const defaultConfigBase = "config"

var configExts = []string{".yaml", ".yml", ".json"}

// ResolvePath picks the config file.
//
//   - explicit wins when set.
//   - env "dev" (case-insensitive) looks for dev-config.yaml, dev-config.yml, dev-config.json.
//   - no env looks for config.yaml, config.yml, config.json.
//
// The first existing candidate is returned; if none exists, the .yaml name is
// returned so the caller reports a useful "not found" path.
func ResolvePath(explicit, env string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	base := defaultConfigBase
	if e := strings.ToLower(strings.TrimSpace(env)); e != "" {
		base = e + "-" + defaultConfigBase
	}
	for _, ext := range configExts {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext
		}
	}
	return base + configExts[0]
}
