package config

import (
	"time"

	"testbed/internal/logwatch"
	"testbed/internal/readiness"
)

// Defaults applied before any file is read.
const (
	DefaultEnvironment      = "local"
	DefaultContainerRuntime = "docker"
	DefaultWorkDir          = "target"
	DefaultCommandTimeout   = 2 * time.Minute
)

// GetDefaultConfig returns the built-in scenario settings.
func GetDefaultConfig() Scenario {
	enabled := true
	cleanup := true
	return Scenario{
		Environment: DefaultEnvironment,
		WorkDir:     DefaultWorkDir,
		Startup: StartupSettings{
			Timeout:      Duration(readiness.DefaultTimeout),
			PollInterval: Duration(readiness.DefaultPollInterval),
		},
		Logs: LogSettings{
			Enabled:      &enabled,
			PollInterval: Duration(logwatch.DefaultPollInterval),
			MaxLines:     logwatch.DefaultMaxLines,
		},
		ContainerRuntime: DefaultContainerRuntime,
		Cleanup:          &cleanup,
		CommandTimeout:   Duration(DefaultCommandTimeout),
	}
}

// CleanupEnabled reports whether cluster objects are deleted at the end.
func (s Scenario) CleanupEnabled() bool {
	return s.Cleanup == nil || *s.Cleanup
}
