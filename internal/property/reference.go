package property

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Resource reference prefixes.
const (
	ResourcePrefix                = "resource::"
	ResourceWithDestinationPrefix = "resource-with-destination::"
	SecretPrefix                  = "secret::"
	SecretWithDestinationPrefix   = "secret-with-destination::"

	destinationSeparator = "|"
)

// RefKind tells how a staged file is delivered.
type RefKind int

const (
	RefResource RefKind = iota
	RefSecret
)

func (k RefKind) String() string {
	if k == RefSecret {
		return "secret"
	}
	return "resource"
}

// FileRef is a parsed resource reference.
type FileRef struct {
	Kind RefKind
	// Path is the local file to stage.
	Path string
	// Destination is the explicit target directory, empty for the plain forms.
	Destination string
}

// HasDestination reports whether the reference names an explicit target directory.
func (r FileRef) HasDestination() bool {
	return r.Destination != ""
}

// FileName is the base name of the staged file.
func (r FileRef) FileName() string {
	return filepath.Base(r.Path)
}

// Target returns the in-environment path, using defaultDir for the plain forms.
func (r FileRef) Target(defaultDir string) string {
	dir := r.Destination
	if dir == "" {
		dir = defaultDir
	}
	return path.Join(dir, r.FileName())
}

// IsReference reports whether value uses one of the recognised prefixes.
func IsReference(value string) bool {
	for _, p := range []string{ResourceWithDestinationPrefix, ResourcePrefix, SecretWithDestinationPrefix, SecretPrefix} {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

// ParseReference parses value. ok is false when value carries no
// recognised prefix; err is set when the prefix is present but the rest is
// malformed.
func ParseReference(value string) (ref FileRef, ok bool, err error) {
	switch {
	case strings.HasPrefix(value, ResourceWithDestinationPrefix):
		ref, err = parseWithDestination(RefResource, strings.TrimPrefix(value, ResourceWithDestinationPrefix))
	case strings.HasPrefix(value, ResourcePrefix):
		ref, err = parsePlain(RefResource, strings.TrimPrefix(value, ResourcePrefix))
	case strings.HasPrefix(value, SecretWithDestinationPrefix):
		ref, err = parseWithDestination(RefSecret, strings.TrimPrefix(value, SecretWithDestinationPrefix))
	case strings.HasPrefix(value, SecretPrefix):
		ref, err = parsePlain(RefSecret, strings.TrimPrefix(value, SecretPrefix))
	default:
		return FileRef{}, false, nil
	}
	return ref, true, err
}

func parsePlain(kind RefKind, rest string) (FileRef, error) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return FileRef{}, fmt.Errorf("%s reference has no path", kind)
	}
	return FileRef{Kind: kind, Path: rest}, nil
}

func parseWithDestination(kind RefKind, rest string) (FileRef, error) {
	dest, file, found := strings.Cut(rest, destinationSeparator)
	if !found {
		return FileRef{}, fmt.Errorf("%s reference %q must be <destPath>|<fileName>", kind, rest)
	}
	dest, file = strings.TrimSpace(dest), strings.TrimSpace(file)
	if dest == "" || file == "" {
		return FileRef{}, fmt.Errorf("%s reference %q has an empty destination or file name", kind, rest)
	}
	return FileRef{Kind: kind, Path: file, Destination: dest}, nil
}
