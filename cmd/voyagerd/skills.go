package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newSkillsCmd(newApp func(context.Context) (*app, error), jsonOutput *bool) *cobra.Command {
	skillsCmd := &cobra.Command{Use: "skills", Aliases: []string{"skill"}, Short: "Manage the skill library"}

	var description string
	addCmd := &cobra.Command{
		Use:   "add <file.go> [name]",
		Short: "Register a skill source in the library",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			lib, err := a.Library()
			if err != nil {
				return err
			}

			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取技能文件失败: %w", err)
			}
			name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			if len(args) == 2 {
				name = args[1]
			}
			ref, err := lib.Register(name, code, description)
			if err != nil {
				return err
			}
			return printResult(cmd, *jsonOutput, ref, fmt.Sprintf("registered %s -> %s", ref.Name, ref.Path))
		},
	}
	addCmd.Flags().StringVarP(&description, "description", "d", "", "what the skill does; indexed for search")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List library skills",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			lib, err := a.Library()
			if err != nil {
				return err
			}
			refs, err := lib.List()
			if err != nil {
				return err
			}
			if *jsonOutput {
				return printResult(cmd, true, refs, "")
			}
			if len(refs) == 0 {
				return printResult(cmd, false, nil, "no skills in "+lib.Dir())
			}
			var b strings.Builder
			for i, ref := range refs {
				if i > 0 {
					b.WriteByte('\n')
				}
				indexed := ""
				if _, ok := lib.Store().Get(ref.Name); ok {
					indexed = " (indexed)"
				}
				fmt.Fprintf(&b, "- %s%s", ref.Name, indexed)
			}
			return printResult(cmd, false, nil, b.String())
		},
	}

	var k int
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find skills whose descriptions match a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			lib, err := a.Library()
			if err != nil {
				return err
			}
			matches, err := lib.Search(strings.Join(args, " "), k)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return printResult(cmd, true, matches, "")
			}
			if len(matches) == 0 {
				return printResult(cmd, false, nil, "no matches")
			}
			var b strings.Builder
			for i, m := range matches {
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%.3f  %s  %s", m.Score, m.Ref.Name, m.Description)
			}
			return printResult(cmd, false, nil, b.String())
		},
	}
	searchCmd.Flags().IntVarP(&k, "top", "k", 5, "number of results")

	skillsCmd.AddCommand(addCmd, listCmd, searchCmd)
	return skillsCmd
}

