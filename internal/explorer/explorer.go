// Package explorer drives episodes: it feeds skills a chain snapshot, runs
// them in the sandbox, attributes reward and records what happened.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "ChainVoyager/internal/errors"
	"ChainVoyager/internal/events"
	"ChainVoyager/internal/observability/metrics"
	"ChainVoyager/internal/reward"
	"ChainVoyager/internal/sandbox"
	"ChainVoyager/internal/skill"
	"ChainVoyager/internal/trajectory"
	"ChainVoyager/pkg/logger"
	"ChainVoyager/pkg/skillapi"
)

// Done reasons recorded for episode ends.
const (
	ReasonMaxSteps  = "max_steps"
	ReasonCanceled  = "canceled"
	ReasonNoSkills  = "no_skills"
	ReasonError     = "error"
	defaultMaxSteps = 50
)

// Snapshotter supplies the chain context for one step.
type Snapshotter interface {
	Snapshot(ctx context.Context, agent string) (skillapi.Snapshot, error)
}

// Executor runs one skill.
type Executor interface {
	Execute(ctx context.Context, ref skill.Ref, snap skillapi.Snapshot, timeout time.Duration) sandbox.Result
}

// Promoter indexes skills that succeeded.
type Promoter interface {
	Promote(ref skill.Ref, description string) (skill.Ref, bool, error)
}

// Observation is what a planner sees before proposing the next skill.
type Observation struct {
	EpisodeID     string
	Step          int
	Snapshot      skillapi.Snapshot
	ProtocolsSeen []string
	LastResult    *StepResult
}

// Planner proposes skill source code. No implementation ships with this
// module.
type Planner interface {
	Propose(ctx context.Context, obs Observation) (code string, err error)
}

// SuccessPolicy decides whether a step counts as a success.
type SuccessPolicy func(res sandbox.Result) bool

// DefaultSuccess requires a clean run with a positive reward.
func DefaultSuccess(res sandbox.Result) bool {
	return res.OK && res.Reward > 0
}

// StepResult is the outcome of one Step.
type StepResult struct {
	EpisodeID   string
	Step        int
	Skill       skill.Ref
	Result      sandbox.Result
	Attribution reward.Attribution
	Success     bool
	Promoted    bool
	Terminated  bool
}

// EpisodeSummary aggregates a finished episode.
type EpisodeSummary struct {
	EpisodeID     string
	Steps         int
	TotalReward   float64
	ProtocolsSeen []string
	Discoveries   []reward.Discovery
	Reason        string
}

// Explorer owns the state of one episode at a time and is not safe for
// concurrent use. Run parallel episodes with separate Explorers.
type Explorer struct {
	chain    Snapshotter
	executor Executor
	engine   *reward.Engine

	agent     string
	maxSteps  int
	timeout   time.Duration
	success   SuccessPolicy
	recorder  trajectory.Repository
	publisher events.Publisher
	promoter  Promoter
	log       *slog.Logger

	episodeID string
	state     *reward.State
	data      map[string]string
}

// Option customises an Explorer.
type Option func(*Explorer)

// WithAgent sets the account whose balances the snapshot carries.
func WithAgent(agent string) Option {
	return func(e *Explorer) { e.agent = agent }
}

// WithMaxSteps bounds the episode length.
func WithMaxSteps(n int) Option {
	return func(e *Explorer) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithTimeout overrides the sandbox execution budget per step.
func WithTimeout(d time.Duration) Option {
	return func(e *Explorer) { e.timeout = d }
}

// WithSuccessPolicy replaces DefaultSuccess.
func WithSuccessPolicy(p SuccessPolicy) Option {
	return func(e *Explorer) {
		if p != nil {
			e.success = p
		}
	}
}

// WithRecorder persists every step.
func WithRecorder(r trajectory.Repository) Option {
	return func(e *Explorer) { e.recorder = r }
}

// WithPublisher emits discovery and episode events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Explorer) { e.publisher = p }
}

// WithPromoter adds successful skills to the library.
func WithPromoter(p Promoter) Option {
	return func(e *Explorer) { e.promoter = p }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Explorer) {
		if l != nil {
			e.log = l
		}
	}
}

// New wires an Explorer. chain, executor and engine are required.
func New(chain Snapshotter, executor Executor, engine *reward.Engine, opts ...Option) (*Explorer, error) {
	if chain == nil || executor == nil || engine == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "explorer requires a chain, an executor and a reward engine")
	}
	e := &Explorer{
		chain:    chain,
		executor: executor,
		engine:   engine,
		maxSteps: defaultMaxSteps,
		success:  DefaultSuccess,
		log:      logger.Named("explorer"),
		state:    reward.NewState(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Reset starts a new episode and returns its id.
func (e *Explorer) Reset(_ context.Context) string {
	e.episodeID = uuid.NewString()
	e.state.Reset()
	e.data = nil
	e.log.Info("episode started", "episode", e.episodeID, "max_steps", e.maxSteps)
	return e.episodeID
}

// EpisodeID is empty until the first Reset.
func (e *Explorer) EpisodeID() string { return e.episodeID }

// State exposes the episode state for read-only inspection.
func (e *Explorer) State() *reward.State { return e.state }

// Terminated reports whether the step budget is spent.
func (e *Explorer) Terminated() bool {
	return e.state.StepCount >= e.maxSteps
}

// Observe builds the planner input for the current position.
func (e *Explorer) Observe(ctx context.Context, last *StepResult) (Observation, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return Observation{}, err
	}
	return Observation{
		EpisodeID:     e.episodeID,
		Step:          e.state.StepCount,
		Snapshot:      snap,
		ProtocolsSeen: e.state.ProtocolsSeen.Sorted(),
		LastResult:    last,
	}, nil
}

func (e *Explorer) snapshot(ctx context.Context) (skillapi.Snapshot, error) {
	snap, err := e.chain.Snapshot(ctx, e.agent)
	if err != nil {
		return skillapi.Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "fetch chain snapshot")
	}
	if len(e.data) > 0 {
		merged := make(map[string]string, len(snap.Data)+len(e.data))
		for k, v := range snap.Data {
			merged[k] = v
		}
		for k, v := range e.data {
			merged[k] = v
		}
		snap.Data = merged
	}
	return snap, nil
}

// Step runs ref once against a fresh snapshot. Skill failures are part of the
// StepResult; the returned error covers only plumbing failures, after which
// the step is not counted.
func (e *Explorer) Step(ctx context.Context, ref skill.Ref) (StepResult, error) {
	if e.episodeID == "" {
		e.Reset(ctx)
	}
	if e.Terminated() {
		return StepResult{}, xerrors.Newf(xerrors.CodeConflict, "episode %s already terminated", e.episodeID)
	}

	snap, err := e.snapshot(ctx)
	if err != nil {
		return StepResult{}, err
	}

	res := e.executor.Execute(ctx, ref, snap, e.timeout)
	attr := e.engine.Attribute(res, e.state)
	e.state.Commit(attr)
	for k, v := range res.Writes {
		if e.data == nil {
			e.data = make(map[string]string)
		}
		e.data[k] = v
	}

	out := StepResult{
		EpisodeID:   e.episodeID,
		Step:        e.state.StepCount,
		Skill:       ref,
		Result:      res,
		Attribution: attr,
		Success:     e.success(res),
		Terminated:  e.Terminated(),
	}

	metrics.ObserveStep(attr.TotalReward)
	for _, d := range attr.Discoveries {
		metrics.ObserveDiscovery(d.Project)
	}
	e.log.Info("step finished",
		"episode", e.episodeID,
		"step", out.Step,
		"skill", ref.String(),
		"ok", res.OK,
		"kind", string(res.Kind),
		"reward", attr.TotalReward,
		"new_protocols", attr.NewProtocols,
	)

	var errs []error
	if err := e.record(ctx, out); err != nil {
		errs = append(errs, err)
	}
	if err := e.publishDiscoveries(ctx, out); err != nil {
		errs = append(errs, err)
	}
	if out.Success && e.promoter != nil {
		_, added, err := e.promoter.Promote(ref, attr.DoneReason)
		if err != nil {
			errs = append(errs, err)
		}
		out.Promoted = added
	}
	if len(errs) > 0 {
		// The step itself is committed; side-effect failures are logged only.
		e.log.Warn("step side effects failed", "episode", e.episodeID, "step", out.Step, "error", errors.Join(errs...))
	}
	return out, nil
}

func (e *Explorer) record(ctx context.Context, out StepResult) error {
	if e.recorder == nil {
		return nil
	}
	res := out.Result
	rec := trajectory.StepRecord{
		EpisodeID:    out.EpisodeID,
		Step:         out.Step,
		Skill:        out.Skill.String(),
		OK:           res.OK,
		ErrorKind:    string(res.Kind),
		Error:        res.Error,
		BaseReward:   out.Attribution.BaseReward,
		Bonus:        out.Attribution.Bonus,
		TotalReward:  out.Attribution.TotalReward,
		DoneReason:   out.Attribution.DoneReason,
		NewProtocols: out.Attribution.NewProtocols,
		DurationMS:   res.Duration.Milliseconds(),
		CreatedAt:    time.Now().Unix(),
	}
	if a := res.Artifact; a != nil {
		rec.Programs = a.UniquePrograms()
		rec.Signature = a.Signature()
		rec.ComputeUnits = a.ComputeUnits()
	}
	if err := e.recorder.Save(ctx, rec); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record step")
	}
	return nil
}

func (e *Explorer) publishDiscoveries(ctx context.Context, out StepResult) error {
	if e.publisher == nil {
		return nil
	}
	for _, d := range out.Attribution.Discoveries {
		err := e.publisher.Publish(ctx, events.Event{
			Type:      events.TypeDiscovery,
			EpisodeID: out.EpisodeID,
			Step:      out.Step,
			Skill:     out.Skill.String(),
			ProgramID: d.ProgramID,
			Project:   d.Project,
			Reward:    out.Attribution.TotalReward,
		})
		if err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish discovery")
		}
	}
	return nil
}

// Finish closes the current episode with reason and returns its summary.
func (e *Explorer) Finish(ctx context.Context, reason string) EpisodeSummary {
	summary := EpisodeSummary{
		EpisodeID:     e.episodeID,
		Steps:         e.state.StepCount,
		TotalReward:   e.state.TotalReward,
		ProtocolsSeen: e.state.ProtocolsSeen.Sorted(),
		Discoveries:   append([]reward.Discovery(nil), e.state.Discoveries...),
		Reason:        reason,
	}
	metrics.ObserveEpisode(reason)
	e.log.Info("episode finished",
		"episode", e.episodeID,
		"reason", reason,
		"steps", summary.Steps,
		"total_reward", summary.TotalReward,
		"protocols", len(summary.ProtocolsSeen),
	)
	if e.publisher != nil {
		// The episode may have ended because ctx was canceled.
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err := e.publisher.Publish(pubCtx, events.Event{
			Type:        events.TypeEpisodeEnd,
			EpisodeID:   e.episodeID,
			Step:        summary.Steps,
			TotalReward: summary.TotalReward,
			Reason:      reason,
		})
		if err != nil {
			e.log.Warn("publish episode end failed", "episode", e.episodeID, "error", err)
		}
	}
	return summary
}

// RunEpisode resets the explorer and steps through refs round-robin until the
// step budget is spent or ctx is done.
func (e *Explorer) RunEpisode(ctx context.Context, refs []skill.Ref) (EpisodeSummary, error) {
	e.Reset(ctx)
	if len(refs) == 0 {
		return e.Finish(ctx, ReasonNoSkills), nil
	}
	for i := 0; !e.Terminated(); i++ {
		if ctx.Err() != nil {
			return e.Finish(ctx, ReasonCanceled), ctx.Err()
		}
		if _, err := e.Step(ctx, refs[i%len(refs)]); err != nil {
			summary := e.Finish(ctx, ReasonError)
			return summary, fmt.Errorf("episode %s step %d: %w", e.episodeID, e.state.StepCount+1, err)
		}
	}
	return e.Finish(ctx, ReasonMaxSteps), nil
}
