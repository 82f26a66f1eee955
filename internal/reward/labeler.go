// Package reward turns sandbox results into scalar rewards. The labeler scans
// a transaction artifact for programs not yet seen this episode, and the
// engine adds that exploration bonus to the skill's own reward. Neither
// performs I/O or mutates episode state; the caller commits attributions.
package reward

import (
	"errors"

	"ChainVoyager/internal/artifact"
	"ChainVoyager/internal/lookup"
)

// BonusPerProtocol is the exploration credit for each first-seen program.
const BonusPerProtocol = 1.0

// Resolver maps a program identifier to its project name.
type Resolver interface {
	Resolve(programID string) (string, bool)
}

// Discovery is one newly touched protocol.
type Discovery struct {
	ProgramID string `json:"program_id"`
	Project   string `json:"project"`
}

// Label is the outcome of scanning one artifact.
type Label struct {
	NewProtocols []string
	Discoveries  []Discovery
	Bonus        float64
}

// Labeler is safe for concurrent use when its Resolver is.
type Labeler struct {
	resolver Resolver
}

// NewLabeler requires a resolver; there is no empty-table fallback.
func NewLabeler(r Resolver) (*Labeler, error) {
	if r == nil {
		return nil, errors.New("reward: labeler requires a program table")
	}
	if t, ok := r.(*lookup.Table); ok && (t == nil || t.Len() == 0) {
		return nil, errors.New("reward: program table is empty")
	}
	return &Labeler{resolver: r}, nil
}

// Label scans every instruction of a, inner ones included, and credits each
// resolvable program that is neither in seen nor already credited by an
// earlier instruction of a. Failed or absent artifacts earn nothing.
func (l *Labeler) Label(a *artifact.Artifact, seen ProtocolSet) Label {
	out := Label{NewProtocols: []string{}, Discoveries: []Discovery{}}
	if a == nil || !a.Succeeded() {
		return out
	}

	touched := make(map[string]struct{})
	for _, programID := range a.ProgramIDs() {
		id := lookup.Canonical(programID)
		project, ok := l.resolver.Resolve(id)
		if !ok {
			continue
		}
		if _, dup := touched[id]; dup {
			continue
		}
		touched[id] = struct{}{}
		if seen.Has(id) {
			continue
		}
		out.NewProtocols = append(out.NewProtocols, id)
		out.Discoveries = append(out.Discoveries, Discovery{ProgramID: id, Project: project})
		out.Bonus += BonusPerProtocol
	}
	return out
}
