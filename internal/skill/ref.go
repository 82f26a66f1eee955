package skill

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Ref points at one skill source file.
type Ref struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ValidateName enforces the file-safe naming used for skill sources.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("skill name %q must match %s", name, namePattern.String())
	}
	return nil
}

// RefFromPath derives a Ref from a source path, naming it after the file.
func RefFromPath(path string) Ref {
	base := filepath.Base(path)
	return Ref{Name: strings.TrimSuffix(base, filepath.Ext(base)), Path: path}
}

func (r Ref) String() string {
	if r.Name == "" {
		return r.Path
	}
	return r.Name
}
