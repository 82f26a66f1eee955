package sandbox

import (
	"fmt"
	"go/parser"
	"go/token"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// CapabilityImport is the import path of the skill capability package.
const CapabilityImport = "voyager"

// ImportPolicy decides which packages a skill may import. A denied entry
// also covers every package below it and always wins over the allow list.
type ImportPolicy struct {
	Allow []string
	Deny  []string
}

// DefaultImportPolicy allows pure computation packages only.
func DefaultImportPolicy() ImportPolicy {
	return ImportPolicy{
		Allow: []string{
			"bytes", "encoding/base64", "encoding/binary", "encoding/hex", "encoding/json",
			"errors", "fmt", "math", "math/big", "math/bits", "sort", "strconv",
			"strings", "time", "unicode", "unicode/utf8",
		},
		Deny: []string{
			"crypto/rand", "debug", "io/fs", "io/ioutil", "log/syslog", "net", "os",
			"path/filepath", "plugin", "reflect", "runtime", "syscall", "unsafe",
		},
	}
}

// Merge returns a new policy using values from other when not present.
func (p ImportPolicy) Merge(other ImportPolicy) ImportPolicy {
	if len(p.Allow) == 0 {
		p.Allow = other.Allow
	}
	if len(p.Deny) == 0 {
		p.Deny = other.Deny
	}
	return p
}

// Permits reports whether a single import path is allowed.
func (p ImportPolicy) Permits(path string) bool {
	if path == CapabilityImport {
		return true
	}
	for _, denied := range p.Deny {
		if path == denied || strings.HasPrefix(path, denied+"/") {
			return false
		}
	}
	return slices.Contains(p.Allow, path)
}

// Check validates every import of a skill source.
func (p ImportPolicy) Check(imports []string) error {
	var forbidden []string
	for _, path := range imports {
		if !p.Permits(path) {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) == 0 {
		return nil
	}
	sort.Strings(forbidden)
	return fmt.Errorf("forbidden imports %v (allowed: %s plus %q)", forbidden, strings.Join(p.Allow, ", "), CapabilityImport)
}

// SkillImports parses the import block of a skill source file.
func SkillImports(filename string, src []byte) ([]string, error) {
	file, err := parser.ParseFile(token.NewFileSet(), filename, src, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}
	if file.Name.Name != "main" {
		return nil, fmt.Errorf("skill must be package main, got %q", file.Name.Name)
	}
	imports := make([]string, 0, len(file.Imports))
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("import %s: %w", spec.Path.Value, err)
		}
		imports = append(imports, path)
	}
	return imports, nil
}
