package profile

import (
	"os"

	"github.com/matheus3301/gochat/internal/config"
)

const DefaultName = "main"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. $GOCHAT_PROFILE
// 3. config.toml default_profile
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if v := os.Getenv(config.EnvProfile); v != "" {
		return v
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}
