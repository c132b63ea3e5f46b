package config

import (
	"regexp"
	"strconv"

	"testbed/internal/readiness"
	"testbed/internal/resource"
	"testbed/internal/services"
)

// refPattern matches ${<service>.host}, ${<service>.port} and
// ${<service>.endpoint}.
var refPattern = regexp.MustCompile(`\$\{([a-z0-9]([-a-z0-9]*[a-z0-9])?)\.(host|port|endpoint)\}`)

type reference struct {
	service string
	field   string
}

func references(value string) []reference {
	var refs []reference
	for _, m := range refPattern.FindAllStringSubmatch(value, -1) {
		refs = append(refs, reference{service: m[1], field: m[3]})
	}
	return refs
}

// EndpointLookup returns a field published by an already started service.
type EndpointLookup func(service, field string) (string, bool)

// BuildServices turns the declarations into service descriptors in
// declaration order. Property values referring to other services become
// deferred values resolved through lookup right before start.
func BuildServices(s Scenario, lookup EndpointLookup) []*services.Service {
	out := make([]*services.Service, 0, len(s.Services))
	for _, def := range s.Services {
		var command string
		var args []string
		if len(def.Command) > 0 {
			command = def.Command[0]
			args = append(args, def.Command[1:]...)
		}
		args = append(args, def.Args...)

		svc := services.New(def.Name, services.Definition{
			Image:             def.Image,
			Command:           command,
			Args:              args,
			Port:              def.Port,
			ExpectedLog:       def.ExpectedLog,
			Template:          def.Template,
			DeleteImageOnStop: def.DeleteImageOnStop,
		})

		for _, prop := range def.Properties {
			if refPattern.MatchString(prop.Value) {
				svc.WithDeferredProperty(prop.Key, expand(prop.Value, lookup))
			} else {
				svc.WithProperty(prop.Key, prop.Value)
			}
		}

		if h := def.Readiness.HTTP; h != nil {
			svc.WithReadiness(readiness.HTTPProbe{Protocol: h.Protocol, Path: h.Path, ExpectBody: h.ExpectBody})
		}
		out = append(out, svc)
	}
	return out
}

func expand(raw string, lookup EndpointLookup) func() string {
	return func() string {
		return refPattern.ReplaceAllStringFunc(raw, func(m string) string {
			sub := refPattern.FindStringSubmatch(m)
			if v, ok := lookup(sub[1], sub[3]); ok {
				return v
			}
			return m
		})
	}
}

// Globals returns the scenario wide framework settings in property store
// form. Services can still override each of them.
func (s Scenario) Globals() map[string]string {
	g := map[string]string{}
	if s.Startup.Timeout > 0 {
		g[resource.KeyStartupTimeout] = s.Startup.Timeout.Std().String()
	}
	if s.Startup.PollInterval > 0 {
		g[resource.KeyStartupPollInterval] = s.Startup.PollInterval.Std().String()
	}
	if s.Logs.Enabled != nil {
		g[resource.KeyLogEnable] = strconv.FormatBool(*s.Logs.Enabled)
	}
	if s.Logs.PollInterval > 0 {
		g[resource.KeyLogPollInterval] = s.Logs.PollInterval.Std().String()
	}
	if s.Logs.MaxLines > 0 {
		g[resource.KeyLogMaxLines] = strconv.Itoa(s.Logs.MaxLines)
	}
	return g
}
