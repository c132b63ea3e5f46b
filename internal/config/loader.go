package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"testbed/pkg/logging"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/testbed"
	projectConfigDir = ".testbed"
	configFileName   = "config.yaml"
)

// Load builds the scenario by layering the defaults, the user file, the
// project file and finally the scenario file at path, if given. Later
// layers override earlier ones.
func Load(path string) (Scenario, error) {
	scenario := GetDefaultConfig()

	userConfigPath, err := getUserConfigPath()
	if err != nil {
		logging.Warn("Config", "Could not determine user config path: %v", err)
	} else if scenario, err = overlayFile(scenario, userConfigPath, true); err != nil {
		return Scenario{}, err
	}

	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		logging.Warn("Config", "Could not determine project config path: %v", err)
	} else if scenario, err = overlayFile(scenario, projectConfigPath, true); err != nil {
		return Scenario{}, err
	}

	if path != "" {
		if scenario, err = overlayFile(scenario, path, false); err != nil {
			return Scenario{}, err
		}
	}
	return scenario, nil
}

func overlayFile(base Scenario, path string, optional bool) (Scenario, error) {
	if _, err := os.Stat(path); optional && errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	overlay, err := loadConfigFromFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}
	logging.Debug("Config", "Loaded %s", path)
	return mergeConfigs(base, overlay), nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// loadConfigFromFile reads a scenario file. Relative file references in it
// are resolved against the file's directory.
func loadConfigFromFile(filePath string) (Scenario, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Scenario{}, err
	}
	scenario, err := Parse(data)
	if err != nil {
		return Scenario{}, err
	}
	return resolvePaths(scenario, filepath.Dir(filePath)), nil
}

// Parse decodes a scenario document. Unknown fields are rejected.
func Parse(data []byte) (Scenario, error) {
	var scenario Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&scenario); err != nil && !errors.Is(err, io.EOF) {
		return Scenario{}, err
	}
	return scenario, nil
}

func resolvePaths(s Scenario, dir string) Scenario {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	s.PropertiesFile = abs(s.PropertiesFile)
	for i := range s.Services {
		s.Services[i].Template = abs(s.Services[i].Template)
	}
	return s
}

// mergeConfigs merges 'overlay' config into 'base' config. Services are
// matched by name; a new name is appended, so start order follows first
// declaration.
func mergeConfigs(base, overlay Scenario) Scenario {
	merged := base

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *Duration, v Duration) {
		if v != 0 {
			*dst = v
		}
	}

	setString(&merged.Name, overlay.Name)
	setString(&merged.Environment, overlay.Environment)
	setString(&merged.PropertiesFile, overlay.PropertiesFile)
	setString(&merged.WorkDir, overlay.WorkDir)
	setDuration(&merged.Startup.Timeout, overlay.Startup.Timeout)
	setDuration(&merged.Startup.PollInterval, overlay.Startup.PollInterval)
	if overlay.Logs.Enabled != nil {
		merged.Logs.Enabled = overlay.Logs.Enabled
	}
	setDuration(&merged.Logs.PollInterval, overlay.Logs.PollInterval)
	if overlay.Logs.MaxLines != 0 {
		merged.Logs.MaxLines = overlay.Logs.MaxLines
	}
	setString(&merged.Network.Mode, overlay.Network.Mode)
	setString(&merged.ContainerRuntime, overlay.ContainerRuntime)
	setString(&merged.Kubernetes.Context, overlay.Kubernetes.Context)
	setString(&merged.Kubernetes.Namespace, overlay.Kubernetes.Namespace)
	merged.Kubernetes.PortForward = merged.Kubernetes.PortForward || overlay.Kubernetes.PortForward
	setString(&merged.OpenShift.Namespace, overlay.OpenShift.Namespace)
	setString(&merged.OpenShift.Binary, overlay.OpenShift.Binary)
	if overlay.Cleanup != nil {
		merged.Cleanup = overlay.Cleanup
	}
	setDuration(&merged.CommandTimeout, overlay.CommandTimeout)

	merged.Services = append([]ServiceDefinition(nil), base.Services...)
	for _, svc := range overlay.Services {
		replaced := false
		for i := range merged.Services {
			if merged.Services[i].Name == svc.Name {
				merged.Services[i] = svc
				replaced = true
				break
			}
		}
		if !replaced {
			merged.Services = append(merged.Services, svc)
		}
	}
	return merged
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}
