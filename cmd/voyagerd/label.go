package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ChainVoyager/internal/artifact"
	"ChainVoyager/internal/chain"
	xerrors "ChainVoyager/internal/errors"
	"ChainVoyager/internal/reward"
)

type labelView struct {
	Signature    string             `json:"signature,omitempty"`
	Chain        string             `json:"chain"`
	Succeeded    bool               `json:"succeeded"`
	Programs     []string           `json:"programs"`
	ComputeUnits uint64             `json:"compute_units,omitempty"`
	Complexity   float64            `json:"complexity"`
	Bonus        float64            `json:"bonus"`
	Discoveries  []reward.Discovery `json:"discoveries"`
}

func newLabelCmd(newApp func(context.Context) (*app, error), jsonOutput *bool) *cobra.Command {
	var (
		file      string
		chainName string
	)
	cmd := &cobra.Command{
		Use:   "label [signature]",
		Short: "Label the protocols a transaction touched",
		Long:  "Fetch a receipt by signature from the configured chain, or read it from --file, and label its programs against the lookup table.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (len(args) == 0) {
				return xerrors.New(xerrors.CodeInvalidArgument, "需要提供交易签名或 --file 其中之一")
			}
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			labeler, err := a.Labeler()
			if err != nil {
				return err
			}

			var raw []byte
			if file != "" {
				if raw, err = os.ReadFile(file); err != nil {
					return fmt.Errorf("读取交易回执失败: %w", err)
				}
			} else {
				client, err := pickChain(ctx, a, chainName)
				if err != nil {
					return err
				}
				if raw, err = client.FetchReceipt(ctx, args[0]); err != nil {
					return err
				}
			}

			art, err := artifact.Parse(raw)
			if err != nil {
				return err
			}
			label := labeler.Label(art, nil)
			view := labelView{
				Signature:    art.Signature(),
				Chain:        art.Chain(),
				Succeeded:    art.Succeeded(),
				Programs:     art.ProgramIDs(),
				ComputeUnits: art.ComputeUnits(),
				Complexity:   art.ComplexityScore(),
				Bonus:        label.Bonus,
				Discoveries:  label.Discoveries,
			}

			var b strings.Builder
			status := "succeeded"
			if !view.Succeeded {
				status = "failed"
			}
			fmt.Fprintf(&b, "%s transaction %s %s, %d program calls, bonus %.0f", view.Chain, view.Signature, status, len(view.Programs), view.Bonus)
			for _, d := range view.Discoveries {
				fmt.Fprintf(&b, "\n  + %s %s", d.Project, d.ProgramID)
			}
			return printResult(cmd, *jsonOutput, view, b.String())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the receipt JSON from a file")
	cmd.Flags().StringVar(&chainName, "chain", "", "chain to query (default chain.name)")
	return cmd
}

func pickChain(ctx context.Context, a *app, name string) (chain.Client, error) {
	registry, err := a.Chains(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return registry.Default()
	}
	client, ok := registry.Client(name)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "链 %s 未配置，可用: %s", name, strings.Join(registry.Chains(), ", "))
	}
	return client, nil
}
