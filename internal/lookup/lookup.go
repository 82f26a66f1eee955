// Package lookup loads the curated program identifier to project name table.
package lookup

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	xerrors "ChainVoyager/internal/errors"
)

var (
	programColumns = []string{"program_address", "program_id", "address"}
	projectColumns = []string{"project_name", "name", "project"}
)

// Table maps program identifiers to project names. It is immutable once
// loaded and safe to share between goroutines without locking.
type Table struct {
	source   string
	projects map[string]string
	skipped  int
}

// Load reads the CSV table at path. A missing file, a header without the
// required columns, or a file with no usable rows is reported as
// MISSING_LOOKUP_TABLE; callers treat that as fatal.
func Load(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMissingLookupTable, err, fmt.Sprintf("program table %s unavailable", path))
	}
	defer file.Close()

	table, err := Read(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMissingLookupTable, err, fmt.Sprintf("program table %s unusable", path))
	}
	table.source = path
	return table, nil
}

// Read parses a table from r. Rows with a blank identifier or project name are
// skipped; when an identifier repeats the last row wins.
func Read(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	programIdx := columnIndex(header, programColumns)
	projectIdx := columnIndex(header, projectColumns)
	if programIdx < 0 || projectIdx < 0 {
		return nil, fmt.Errorf("header %v lacks program/project columns", header)
	}

	t := &Table{projects: make(map[string]string)}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if programIdx >= len(record) || projectIdx >= len(record) {
			t.skipped++
			continue
		}
		id := strings.TrimSpace(record[programIdx])
		name := strings.TrimSpace(record[projectIdx])
		if id == "" || name == "" {
			t.skipped++
			continue
		}
		t.projects[Canonical(id)] = name
	}
	if len(t.projects) == 0 {
		return nil, errors.New("no data rows")
	}
	return t, nil
}

// FromMap builds a table from an in-memory mapping.
func FromMap(m map[string]string) (*Table, error) {
	t := &Table{projects: make(map[string]string, len(m))}
	for id, name := range m {
		if id == "" || name == "" {
			continue
		}
		t.projects[Canonical(id)] = name
	}
	if len(t.projects) == 0 {
		return nil, xerrors.New(xerrors.CodeMissingLookupTable, "")
	}
	return t, nil
}

func columnIndex(header []string, names []string) int {
	for _, want := range names {
		for i, col := range header {
			if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")), want) {
				return i
			}
		}
	}
	return -1
}

// Resolve returns the project name for a program identifier.
func (t *Table) Resolve(programID string) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.projects[Canonical(programID)]
	return name, ok
}

// Canonical lower-cases EVM addresses so checksummed and plain forms match.
// Base58 identifiers are case-sensitive and kept verbatim.
func Canonical(id string) string {
	if len(id) == 42 && (strings.HasPrefix(id, "0x") || strings.HasPrefix(id, "0X")) {
		return strings.ToLower(id)
	}
	return id
}

// Len reports the number of known programs.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.projects)
}

// Skipped reports how many rows were dropped during loading.
func (t *Table) Skipped() int {
	if t == nil {
		return 0
	}
	return t.skipped
}

// Source is the path the table was loaded from, empty for in-memory tables.
func (t *Table) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}

// ProgramIDs lists every known identifier in sorted order.
func (t *Table) ProgramIDs() []string {
	if t == nil {
		return nil
	}
	ids := make([]string, 0, len(t.projects))
	for id := range t.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
