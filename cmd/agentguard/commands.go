package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"AgentGuard/internal/planner"
	"AgentGuard/internal/projectroot"
)

func newPlanCommand(load configLoader) *cobra.Command {
	var (
		root  string
		build string
	)

	cmd := &cobra.Command{
		Use:   "plan [intent]",
		Short: "Print the validated plan the static planner produces for an intent",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := load(); err != nil {
				return err
			}
			normalized, err := projectroot.Normalize(root)
			if err != nil {
				return err
			}
			p := planner.Validated{Inner: planner.NewStatic(build)}
			result, err := p.Plan(cmd.Context(), strings.Join(args, " "), normalized)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "project root the plan targets")
	cmd.Flags().StringVar(&build, "build", "", "build command for the build step")
	return cmd
}

func newToolsCommand(load configLoader) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools registered for the configured profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if profile != "" {
				cfg.Tools.Profile = profile
			}
			registry, err := buildRegistry(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCATEGORY\tCONFIRM")
			for _, info := range registry.Describe() {
				fmt.Fprintf(w, "%s\t%s\t%t\n", info.Name, info.Category, info.RequiresConfirmation)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "override tools.profile (standard, read-only, doctor)")
	return cmd
}
