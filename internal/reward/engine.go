package reward

import (
	"errors"

	"ChainVoyager/internal/sandbox"
)

// UnknownDoneReason replaces an empty done reason.
const UnknownDoneReason = "unknown"

// Attribution is the reward of one step and the discoveries behind it.
type Attribution struct {
	TotalReward  float64     `json:"total_reward"`
	BaseReward   float64     `json:"base_reward"`
	Bonus        float64     `json:"bonus"`
	NewProtocols []string    `json:"new_protocols"`
	Discoveries  []Discovery `json:"discoveries"`
	DoneReason   string      `json:"done_reason"`
}

// Engine combines a skill's reward with the labeler's bonus.
type Engine struct {
	labeler *Labeler
}

// NewEngine wires an engine to a labeler.
func NewEngine(l *Labeler) (*Engine, error) {
	if l == nil {
		return nil, errors.New("reward: engine requires a labeler")
	}
	return &Engine{labeler: l}, nil
}

// Attribute is deterministic and leaves state untouched; a nil state means
// nothing has been seen yet. Unsuccessful results never earn a bonus.
func (e *Engine) Attribute(res sandbox.Result, state *State) Attribution {
	out := Attribution{
		BaseReward:   res.Reward,
		TotalReward:  res.Reward,
		NewProtocols: []string{},
		Discoveries:  []Discovery{},
		DoneReason:   res.DoneReason,
	}
	if out.DoneReason == "" {
		out.DoneReason = UnknownDoneReason
	}
	if !res.OK {
		return out
	}

	var seen ProtocolSet
	if state != nil {
		seen = state.ProtocolsSeen
	}
	label := e.labeler.Label(res.Artifact, seen)
	out.Bonus = label.Bonus
	out.NewProtocols = label.NewProtocols
	out.Discoveries = label.Discoveries
	out.TotalReward = res.Reward + label.Bonus
	return out
}
