package resource

import (
	"time"

	"testbed/internal/logwatch"
	"testbed/internal/readiness"
	"testbed/internal/services"
)

// Framework knobs resolvable through the property store, so they can be
// set per service, in the properties file or globally.
const (
	KeyStartupTimeout      = "startup.timeout"
	KeyStartupPollInterval = "startup.check-poll-interval"
	KeyLogEnable           = "log.enable"
	KeyLogPollInterval     = "log.poll-interval"
	KeyLogMaxLines         = "log.max-lines"
	KeyDeleteImageOnStop   = "container.delete.image.on.stop"
)

// WatcherOptions reads the log settings of a service. Collection always
// happens; log.enable only controls mirroring to sink. A log-marker
// readiness probe is tracked so eviction cannot unset readiness.
func WatcherOptions(sctx *services.Context, sink logwatch.Sink) (logwatch.Options, error) {
	mirror, err := sctx.Bool(KeyLogEnable, true)
	if err != nil {
		return logwatch.Options{}, err
	}
	interval, err := sctx.Duration(KeyLogPollInterval, logwatch.DefaultPollInterval)
	if err != nil {
		return logwatch.Options{}, err
	}
	maxLines, err := sctx.Int(KeyLogMaxLines, logwatch.DefaultMaxLines)
	if err != nil {
		return logwatch.Options{}, err
	}

	opts := logwatch.Options{PollInterval: interval, MaxLines: maxLines}
	if m, ok := sctx.Service().Readiness().(readiness.LogMarker); ok && m != "" {
		opts.Markers = []string{string(m)}
	}
	if mirror {
		opts.Sink = sink
	}
	return opts, nil
}

// StartupSettings returns the readiness timeout and poll interval of a
// service.
func StartupSettings(sctx *services.Context) (timeout, interval time.Duration, err error) {
	timeout, err = sctx.Duration(KeyStartupTimeout, readiness.DefaultTimeout)
	if err != nil {
		return 0, 0, err
	}
	interval, err = sctx.Duration(KeyStartupPollInterval, readiness.DefaultPollInterval)
	if err != nil {
		return 0, 0, err
	}
	return timeout, interval, nil
}
