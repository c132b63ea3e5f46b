package config

import (
	"errors"
	"fmt"
	"regexp"

	"testbed/internal/network"
	"testbed/internal/property"
	"testbed/internal/services"
)

var serviceNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Validate checks the scenario before anything is started. Every problem
// is reported as a services.ConfigurationError; they are joined.
func Validate(s Scenario) error {
	var errs []error
	fail := func(service, key, format string, args ...interface{}) {
		errs = append(errs, &services.ConfigurationError{Service: service, Key: key, Err: fmt.Errorf(format, args...)})
	}

	env, err := services.ParseEnvironment(s.Environment)
	if err != nil {
		fail("", "environment", "%v", err)
	}
	if s.Network.Mode != "" {
		if _, err := network.ParseMode(s.Network.Mode); err != nil {
			fail("", "network.mode", "%v", err)
		}
	}
	if s.Startup.Timeout < 0 || s.Startup.PollInterval < 0 || s.Logs.PollInterval < 0 || s.CommandTimeout < 0 {
		fail("", "startup", "durations must not be negative")
	}
	if s.Logs.MaxLines < 0 {
		fail("", "logs.maxLines", "must not be negative")
	}
	if len(s.Services) == 0 {
		fail("", "services", "scenario declares no services")
	}

	declared := make(map[string]bool, len(s.Services))
	for _, svc := range s.Services {
		name := svc.Name
		switch {
		case name == "":
			fail("", "name", "service without a name")
			continue
		case !serviceNamePattern.MatchString(name) || len(name) > 63:
			fail(name, "name", "must be a lowercase DNS label")
		case declared[name]:
			fail(name, "name", "declared twice")
		}

		switch env {
		case services.EnvKubernetes, services.EnvOpenShift:
			if svc.Image == "" && svc.Template == "" {
				fail(name, "image", "cluster services need an image or a template")
			}
			if svc.Template == "" && svc.Port == 0 {
				fail(name, "port", "required with the default deployment template")
			}
		default:
			if svc.Image == "" && len(svc.Command) == 0 {
				fail(name, "image", "needs an image or a command")
			}
		}
		if svc.Port < 0 || svc.Port > 65535 {
			fail(name, "port", "%d is out of range", svc.Port)
		}
		if h := svc.Readiness.HTTP; h != nil && h.Protocol != "" && h.Protocol != "http" && h.Protocol != "https" {
			fail(name, "readiness.http.protocol", "unsupported protocol %q", h.Protocol)
		}

		for _, prop := range svc.Properties {
			if _, _, err := property.ParseReference(prop.Value); err != nil {
				fail(name, prop.Key, "%v", err)
			}
			for _, ref := range references(prop.Value) {
				if !declared[ref.service] {
					fail(name, prop.Key, "${%s.%s} must refer to a service declared earlier", ref.service, ref.field)
				}
			}
		}
		declared[name] = true
	}
	return errors.Join(errs...)
}
