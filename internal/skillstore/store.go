// Package skillstore keeps skill embeddings in memory and answers exact
// cosine top-k queries over them.
package skillstore

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	xerrors "ChainVoyager/internal/errors"
)

// Entry is one stored skill vector.
type Entry struct {
	ID        string            `yaml:"id"`
	Embedding []float32         `yaml:"-"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
}

// Match is a query hit.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Store is safe for concurrent use: Put and PutBatch take the write lock,
// everything else shares the read lock.
type Store struct {
	mu      sync.RWMutex
	dim     int
	entries []Entry
	norms   []float64
	index   map[string]int
}

// New returns an empty store for vectors of length dim.
func New(dim int) (*Store, error) {
	if dim <= 0 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "embedding dimension must be positive, got %d", dim)
	}
	return &Store{dim: dim, index: make(map[string]int)}, nil
}

// Dim is the vector length accepted by the store.
func (s *Store) Dim() int { return s.dim }

// Len reports the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Put adds one entry. IDs are immutable: storing an existing ID again is a
// conflict.
func (s *Store) Put(id string, embedding []float32, metadata map[string]string) error {
	return s.PutBatch([]Entry{{ID: id, Embedding: embedding, Metadata: metadata}})
}

// PutBatch adds all entries or none of them.
func (s *Store) PutBatch(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if err := s.validate(e); err != nil {
			return err
		}
		if _, dup := pending[e.ID]; dup {
			return xerrors.Newf(xerrors.CodeConflict, "skill %q appears twice in batch", e.ID)
		}
		pending[e.ID] = struct{}{}
	}
	for _, e := range entries {
		s.insert(e)
	}
	return nil
}

func (s *Store) validate(e Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "skill id is empty")
	}
	if len(e.Embedding) != s.dim {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "embedding for %q has length %d, want %d", e.ID, len(e.Embedding), s.dim)
	}
	for _, v := range e.Embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "embedding for %q is not finite", e.ID)
		}
	}
	if _, exists := s.index[e.ID]; exists {
		return xerrors.Newf(xerrors.CodeConflict, "skill %q already stored", e.ID)
	}
	return nil
}

func (s *Store) insert(e Entry) {
	stored := Entry{
		ID:        e.ID,
		Embedding: append([]float32(nil), e.Embedding...),
		Metadata:  cloneMeta(e.Metadata),
	}
	s.index[e.ID] = len(s.entries)
	s.entries = append(s.entries, stored)
	s.norms = append(s.norms, norm(stored.Embedding))
}

// Get returns a copy of the entry stored under id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Entry{}, false
	}
	e := s.entries[i]
	return Entry{ID: e.ID, Embedding: append([]float32(nil), e.Embedding...), Metadata: cloneMeta(e.Metadata)}, true
}

// IDs lists stored ids in insertion order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.ID
	}
	return out
}

// Query returns at most k entries ordered by descending cosine similarity.
// Equal scores keep insertion order. Zero vectors score 0 against anything.
func (s *Store) Query(embedding []float32, k int) ([]Match, error) {
	if len(embedding) != s.dim {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "query has length %d, want %d", len(embedding), s.dim)
	}
	if k <= 0 {
		return []Match{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	qn := norm(embedding)
	order := make([]int, len(s.entries))
	scores := make([]float64, len(s.entries))
	for i, e := range s.entries {
		order[i] = i
		if qn == 0 || s.norms[i] == 0 {
			continue
		}
		scores[i] = dot(embedding, e.Embedding) / (qn * s.norms[i])
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	if k > len(order) {
		k = len(order)
	}
	out := make([]Match, k)
	for i := 0; i < k; i++ {
		e := s.entries[order[i]]
		out[i] = Match{ID: e.ID, Score: scores[order[i]], Metadata: cloneMeta(e.Metadata)}
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) String() string {
	return fmt.Sprintf("skillstore(dim=%d, len=%d)", s.dim, s.Len())
}
