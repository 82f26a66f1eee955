package skill

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	xerrors "ChainVoyager/internal/errors"
	"ChainVoyager/internal/skillstore"
	"ChainVoyager/pkg/logger"
)

// EntryPoint is the function a skill source must declare.
const EntryPoint = "Execute"

// Metadata keys written to the skill store.
const (
	MetaPath        = "path"
	MetaDescription = "description"
)

// Match is a Search hit.
type Match struct {
	Ref         Ref
	Score       float64
	Description string
}

// Library keeps skill sources as <name>.go files in one directory and their
// description embeddings in a skill store persisted next to them.
type Library struct {
	dir      string
	storeDir string
	store    *skillstore.Store
	embedder Embedder
	log      *slog.Logger

	mu sync.Mutex
}

// OpenLibrary prepares dir and binds the store. storeDir may be empty to keep
// the store in memory only.
func OpenLibrary(dir string, store *skillstore.Store, storeDir string, embedder Embedder) (*Library, error) {
	if store == nil || embedder == nil {
		return nil, errors.New("skill library requires a store and an embedder")
	}
	if store.Dim() != embedder.Dim() {
		return nil, fmt.Errorf("embedder dimension %d does not match store dimension %d", embedder.Dim(), store.Dim())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skill dir: %w", err)
	}
	return &Library{
		dir:      dir,
		storeDir: storeDir,
		store:    store,
		embedder: embedder,
		log:      logger.Named("skills"),
	}, nil
}

// Dir is the source directory.
func (l *Library) Dir() string { return l.dir }

// Store exposes the underlying vector index.
func (l *Library) Store() *skillstore.Store { return l.store }

func (l *Library) path(name string) string {
	return filepath.Join(l.dir, name+".go")
}

// Register writes a new skill source and indexes its description. Skills are
// immutable: an existing name is a conflict.
func (l *Library) Register(name string, code []byte, description string) (Ref, error) {
	if err := ValidateName(name); err != nil {
		return Ref{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "")
	}
	if err := CheckSource(name+".go", code); err != nil {
		return Ref{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ref := Ref{Name: name, Path: l.path(name)}
	if _, exists := l.store.Get(name); exists {
		return Ref{}, xerrors.Newf(xerrors.CodeConflict, "skill %q already registered", name)
	}
	f, err := os.OpenFile(ref.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return Ref{}, xerrors.Newf(xerrors.CodeConflict, "skill %q already registered", name)
	}
	if err != nil {
		return Ref{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create skill source")
	}
	_, err = f.Write(code)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(ref.Path)
		return Ref{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "write skill source")
	}

	if err := l.index(ref, string(code), description); err != nil {
		os.Remove(ref.Path)
		return Ref{}, err
	}
	l.log.Info("skill registered", "skill", name, "path", ref.Path)
	return ref, nil
}

// Promote indexes a skill whose source already exists elsewhere, copying it
// into the library. It is a no-op for names already registered.
func (l *Library) Promote(ref Ref, description string) (Ref, bool, error) {
	if _, exists := l.store.Get(ref.Name); exists {
		return l.mustRef(ref.Name), false, nil
	}
	if filepath.Clean(ref.Path) == filepath.Clean(l.path(ref.Name)) {
		code, err := os.ReadFile(ref.Path)
		if err != nil {
			return Ref{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read skill source")
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, exists := l.store.Get(ref.Name); exists {
			return ref, false, nil
		}
		err = l.index(ref, string(code), description)
		switch {
		case xerrors.HasCode(err, xerrors.CodeConflict):
			return ref, false, nil
		case err != nil:
			return Ref{}, false, err
		}
		return ref, true, nil
	}
	code, err := os.ReadFile(ref.Path)
	if err != nil {
		return Ref{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read skill source")
	}
	out, err := l.Register(ref.Name, code, description)
	if xerrors.HasCode(err, xerrors.CodeConflict) {
		return l.mustRef(ref.Name), false, nil
	}
	return out, err == nil, err
}

func (l *Library) mustRef(name string) Ref {
	return Ref{Name: name, Path: l.path(name)}
}

func (l *Library) index(ref Ref, code, description string) error {
	text := description
	if strings.TrimSpace(text) == "" {
		text = ref.Name + " " + code
	}
	meta := map[string]string{MetaPath: ref.Path}
	if description != "" {
		meta[MetaDescription] = description
	}
	if err := l.store.Put(ref.Name, l.embedder.Embed(text), meta); err != nil {
		return err
	}
	if l.storeDir == "" {
		return nil
	}
	if err := l.store.Save(l.storeDir); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save skill store")
	}
	return nil
}

// Lookup resolves a registered or on-disk skill by name.
func (l *Library) Lookup(name string) (Ref, error) {
	if err := ValidateName(name); err != nil {
		return Ref{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "")
	}
	ref := l.mustRef(name)
	if _, err := os.Stat(ref.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Ref{}, xerrors.Newf(xerrors.CodeNotFound, "skill %q not found", name)
		}
		return Ref{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "stat skill source")
	}
	return ref, nil
}

// List returns every skill source in the directory, sorted by name. Files
// whose names are not valid skill names are ignored.
func (l *Library) List() ([]Ref, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read skill dir")
	}
	var refs []Ref
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".go" || strings.HasSuffix(e.Name(), "_test.go") {
			continue
		}
		ref := RefFromPath(filepath.Join(l.dir, e.Name()))
		if ValidateName(ref.Name) != nil {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Search ranks indexed skills by similarity to query.
func (l *Library) Search(query string, k int) ([]Match, error) {
	matches, err := l.store.Query(l.embedder.Embed(query), k)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		path := m.Metadata[MetaPath]
		if path == "" {
			path = l.path(m.ID)
		}
		out = append(out, Match{
			Ref:         Ref{Name: m.ID, Path: path},
			Score:       m.Score,
			Description: m.Metadata[MetaDescription],
		})
	}
	return out, nil
}

// CheckSource verifies that code is a parseable main package declaring the
// entry point.
func CheckSource(filename string, code []byte) error {
	file, err := parser.ParseFile(token.NewFileSet(), filename, code, parser.SkipObjectResolution)
	if err != nil {
		return err
	}
	if file.Name.Name != "main" {
		return fmt.Errorf("skill must be package main, got %q", file.Name.Name)
	}
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == EntryPoint {
			return nil
		}
	}
	return fmt.Errorf("skill does not declare func %s", EntryPoint)
}
