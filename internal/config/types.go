package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// Scenario is the top-level configuration of one test run.
type Scenario struct {
	Name             string              `yaml:"name,omitempty"`
	Environment      string              `yaml:"environment,omitempty"` // local, kubernetes or openshift
	PropertiesFile   string              `yaml:"propertiesFile,omitempty"`
	WorkDir          string              `yaml:"workDir,omitempty"`
	Startup          StartupSettings     `yaml:"startup,omitempty"`
	Logs             LogSettings         `yaml:"logs,omitempty"`
	Network          NetworkSettings     `yaml:"network,omitempty"`
	ContainerRuntime string              `yaml:"containerRuntime,omitempty"` // e.g., "docker", "podman"
	Kubernetes       KubernetesSettings  `yaml:"kubernetes,omitempty"`
	OpenShift        OpenShiftSettings   `yaml:"openshift,omitempty"`
	Cleanup          *bool               `yaml:"cleanup,omitempty"`
	CommandTimeout   Duration            `yaml:"commandTimeout,omitempty"`
	Services         []ServiceDefinition `yaml:"services,omitempty"`
}

// StartupSettings bound the readiness wait.
type StartupSettings struct {
	Timeout      Duration `yaml:"timeout,omitempty"`
	PollInterval Duration `yaml:"pollInterval,omitempty"`
}

// LogSettings tune log collection. Enabled controls console mirroring.
type LogSettings struct {
	Enabled      *bool    `yaml:"enabled,omitempty"`
	PollInterval Duration `yaml:"pollInterval,omitempty"`
	MaxLines     int      `yaml:"maxLines,omitempty"`
}

// NetworkSettings select container network sharing ("new" or "shared").
// An empty mode attaches containers to the default network.
type NetworkSettings struct {
	Mode string `yaml:"mode,omitempty"`
}

// KubernetesSettings select the cluster used by the kubernetes backend.
// With PortForward set, endpoints are local tunnels to the pods.
type KubernetesSettings struct {
	Context     string `yaml:"context,omitempty"`
	Namespace   string `yaml:"namespace,omitempty"`
	PortForward bool   `yaml:"portForward,omitempty"`
}

// OpenShiftSettings configure the oc based backend.
type OpenShiftSettings struct {
	Namespace string `yaml:"namespace,omitempty"`
	Binary    string `yaml:"binary,omitempty"`
}

// ServiceDefinition declares one service of the scenario.
type ServiceDefinition struct {
	Name              string              `yaml:"name"`
	Image             string              `yaml:"image,omitempty"`
	Command           Words               `yaml:"command,omitempty"`
	Args              Words               `yaml:"args,omitempty"`
	Port              int                 `yaml:"port,omitempty"`
	ExpectedLog       string              `yaml:"expectedLog,omitempty"`
	Template          string              `yaml:"template,omitempty"`
	DeleteImageOnStop bool                `yaml:"deleteImageOnStop,omitempty"`
	Readiness         ReadinessDefinition `yaml:"readiness,omitempty"`
	Properties        Properties          `yaml:"properties,omitempty"`
}

// ReadinessDefinition replaces the log marker probe.
type ReadinessDefinition struct {
	HTTP *HTTPReadiness `yaml:"http,omitempty"`
}

// HTTPReadiness configures an HTTP probe against the service endpoint.
type HTTPReadiness struct {
	Path       string `yaml:"path,omitempty"`
	ExpectBody string `yaml:"expectBody,omitempty"`
	Protocol   string `yaml:"protocol,omitempty"`
}

// Duration accepts Go duration strings or a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Words is a command line given either as a list or as a single string
// split like a shell would.
type Words []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (w *Words) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		parts, err := shellwords.Parse(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*w = parts
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*w = list
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list", node.Line)
	}
}

// Property is one declared key and value.
type Property struct {
	Key   string
	Value string
}

// Properties keeps declaration order, which decides the order deferred
// values are resolved in.
type Properties []Property

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Properties) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: properties must be a mapping", node.Line)
	}
	out := make(Properties, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: property %s must be a scalar", v.Line, k.Value)
		}
		out = out.With(k.Value, v.Value)
	}
	*p = out
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (p Properties) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, prop := range p {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: prop.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: prop.Value},
		)
	}
	return node, nil
}

// With returns p with key set to value, keeping the key's first position.
func (p Properties) With(key, value string) Properties {
	for i := range p {
		if p[i].Key == key {
			p[i].Value = value
			return p
		}
	}
	return append(p, Property{Key: key, Value: value})
}

// Get returns the value of key.
func (p Properties) Get(key string) (string, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return "", false
}
