package profile

import (
	"fmt"
	"os"

	"github.com/matheus3301/omnichat/internal/config"
)

// DefaultName is used when nothing else names a profile.
const DefaultName = "main"

// NameEnv selects a profile when no flag does.
const NameEnv = "OMNICHAT_PROFILE"

// Select resolves the active profile, first match wins:
// the --profile flag, $OMNICHAT_PROFILE, default_profile in the config
// file at configPath (ConfigPath when empty), then DefaultName.
//
// A config file that exists but does not load is an error only when the
// flag and the environment left the choice to it.
func Select(flag, configPath string) (Layout, error) {
	if flag != "" {
		return For(flag)
	}
	if env := os.Getenv(NameEnv); env != "" {
		return For(env)
	}
	if configPath == "" {
		configPath = ConfigPath()
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return Layout{}, fmt.Errorf("choose profile: %w", err)
	}
	if cfg.DefaultProfile != "" {
		return For(cfg.DefaultProfile)
	}
	return For(DefaultName)
}
