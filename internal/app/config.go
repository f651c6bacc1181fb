package app

import "os"

// Options are the process-level knobs resolved before the YAML config is
// loaded: where the config lives and what version string to report.
type Options struct {
	ConfigPath string
	Version    string

	// LogLevel overrides the config file's logging.level when nonempty.
	LogLevel string
}

// DefaultOptions resolves the environment fallbacks.
func DefaultOptions() Options {
	return Options{
		ConfigPath: getEnv("MODELRELAY_CONFIG", "config.yaml"),
		Version:    "dev",
		LogLevel:   os.Getenv("MODELRELAY_LOG_LEVEL"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
