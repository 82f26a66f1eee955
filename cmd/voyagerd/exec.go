package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ChainVoyager/internal/explorer"
	"ChainVoyager/internal/reward"
)

// stepView is the printable form of one executed step.
type stepView struct {
	EpisodeID    string             `json:"episode_id"`
	Skill        string             `json:"skill"`
	OK           bool               `json:"ok"`
	ErrorKind    string             `json:"error_kind,omitempty"`
	Error        string             `json:"error,omitempty"`
	Success      bool               `json:"success"`
	Promoted     bool               `json:"promoted"`
	BaseReward   float64            `json:"base_reward"`
	Bonus        float64            `json:"bonus"`
	TotalReward  float64            `json:"total_reward"`
	DoneReason   string             `json:"done_reason"`
	NewProtocols []string           `json:"new_protocols"`
	Discoveries  []reward.Discovery `json:"discoveries"`
	Programs     []string           `json:"programs,omitempty"`
	Signature    string             `json:"signature,omitempty"`
	DurationMS   int64              `json:"duration_ms"`
	Logs         []string           `json:"logs,omitempty"`
	Stderr       string             `json:"stderr,omitempty"`
}

func newStepView(out explorer.StepResult) stepView {
	res := out.Result
	v := stepView{
		EpisodeID:    out.EpisodeID,
		Skill:        out.Skill.String(),
		OK:           res.OK,
		ErrorKind:    string(res.Kind),
		Error:        res.Error,
		Success:      out.Success,
		Promoted:     out.Promoted,
		BaseReward:   out.Attribution.BaseReward,
		Bonus:        out.Attribution.Bonus,
		TotalReward:  out.Attribution.TotalReward,
		DoneReason:   out.Attribution.DoneReason,
		NewProtocols: out.Attribution.NewProtocols,
		Discoveries:  out.Attribution.Discoveries,
		DurationMS:   res.Duration.Milliseconds(),
		Logs:         res.Logs,
	}
	if res.Artifact != nil {
		v.Programs = res.Artifact.ProgramIDs()
		v.Signature = res.Artifact.Signature()
	}
	if !res.OK {
		v.Stderr = res.Stderr
	}
	return v
}

func (v stepView) String() string {
	var b strings.Builder
	if v.OK {
		fmt.Fprintf(&b, "%s: ok, reward %.2f (base %.2f + bonus %.2f), done: %s", v.Skill, v.TotalReward, v.BaseReward, v.Bonus, v.DoneReason)
	} else {
		fmt.Fprintf(&b, "%s: %s: %s", v.Skill, v.ErrorKind, v.Error)
	}
	for _, d := range v.Discoveries {
		fmt.Fprintf(&b, "\n  + %s %s", d.Project, d.ProgramID)
	}
	for _, line := range v.Logs {
		fmt.Fprintf(&b, "\n  | %s", line)
	}
	if v.Stderr != "" {
		fmt.Fprintf(&b, "\n%s", strings.TrimRight(v.Stderr, "\n"))
	}
	return b.String()
}

func newExecCmd(newApp func(context.Context) (*app, error), jsonOutput *bool) *cobra.Command {
	var (
		timeout time.Duration
		promote bool
	)
	cmd := &cobra.Command{
		Use:   "exec <skill-name|file.go>",
		Short: "Run one skill once and print its reward attribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			lib, err := a.Library()
			if err != nil {
				return err
			}
			ref, err := resolveRef(lib, args[0])
			if err != nil {
				return err
			}
			opts := []explorer.Option{explorer.WithTimeout(timeout)}
			if !promote {
				opts = append(opts, explorer.WithPromoter(nil))
			}
			ex, err := a.Explorer(ctx, 1, opts...)
			if err != nil {
				return err
			}
			out, err := ex.Step(ctx, ref)
			if err != nil {
				return err
			}
			ex.Finish(ctx, explorer.ReasonMaxSteps)

			view := newStepView(out)
			return printResult(cmd, *jsonOutput, view, view.String())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution budget (default sandbox.exec_timeout_ms)")
	cmd.Flags().BoolVar(&promote, "promote", false, "add the skill to the library when it succeeds")
	return cmd
}
