package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	root := errors.New("exit status 1")

	startup := &StartupFailure{Service: "db", Output: "pull access denied", Err: root}
	assert.ErrorIs(t, startup, root)
	assert.Contains(t, startup.Error(), "pull access denied")

	teardown := &TeardownFailure{Service: "db", Err: root}
	assert.ErrorIs(t, teardown, root)

	cfg := &ConfigurationError{Service: "db", Key: "port", Err: root}
	assert.Contains(t, cfg.Error(), "key port")

	timeout := &ReadinessTimeout{Service: "app", Timeout: time.Minute, LogTail: []string{"booting", "still booting"}}
	assert.Contains(t, timeout.Error(), "still booting")
	assert.Contains(t, (&ReadinessTimeout{Service: "app"}).Error(), "no log output")
}
