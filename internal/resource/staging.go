package resource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"testbed/internal/property"
	"testbed/internal/services"
)

// DefaultMountDir is where staged files land when a reference carries no
// destination.
const DefaultMountDir = "/testbed/resources"

// Stager makes a referenced local file available in the target
// environment and returns the path it has there.
type Stager interface {
	Stage(ctx context.Context, key string, ref property.FileRef) (string, error)
}

// Properties returns the resolved properties of the context's service,
// honoring overrides and the properties file, in declaration order.
func Properties(sctx *services.Context) ([]string, map[string]string) {
	keys := sctx.Service().Properties().Keys()
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		values[k] = sctx.Property(k, "")
	}
	return keys, values
}

// Stage rewrites every resource reference in values to the path returned
// by st. Malformed references and missing files are ConfigurationErrors.
func Stage(ctx context.Context, sctx *services.Context, keys []string, values map[string]string, st Stager) error {
	for _, k := range keys {
		ref, ok, err := property.ParseReference(values[k])
		if !ok {
			continue
		}
		if err != nil {
			return &services.ConfigurationError{Service: sctx.Name(), Key: k, Err: err}
		}
		if _, err := os.Stat(ref.Path); err != nil {
			return &services.ConfigurationError{Service: sctx.Name(), Key: k, Err: fmt.Errorf("%s file: %w", ref.Kind, err)}
		}
		target, err := st.Stage(ctx, k, ref)
		if err != nil {
			return fmt.Errorf("stage %s for property %s: %w", ref.Path, k, err)
		}
		values[k] = target
	}
	return nil
}

// Env maps properties to environment variable names.
func Env(values map[string]string) map[string]string {
	env := make(map[string]string, len(values))
	for k, v := range values {
		env[property.EnvName(k)] = v
	}
	return env
}

// CopyFile copies src to dst, creating dst's directory. Secrets are
// written owner readable only.
func CopyFile(src, dst string, secret bool) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if secret {
		mode = 0o600
	}
	return os.WriteFile(dst, data, mode)
}
