package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/collector"
)

// newRemoteConfigCmd groups the remote-config inspection commands.
func newRemoteConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote-config",
		Short: "Inspect server-side configuration",
	}

	cmd.AddCommand(newRemoteConfigRulesCmd())

	return cmd
}

// newRemoteConfigRulesCmd prints the diagnosis rules of every project
// the registered device belongs to, as JSON.
func newRemoteConfigRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the device's diagnosis rules as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			sched, err := collector.NewScheduler(resolvedCfg, resolvedPaths, version, logger)
			if err != nil {
				return err
			}

			return printDeviceRules(cmd.Context(), sched.Client())
		},
	}
}

type projectRules struct {
	ProjectName string                         `json:"project_name"`
	Version     int64                          `json:"version"`
	Rules       []*api.ProjectDiagnosisRuleSet `json:"rules"`
}

func printDeviceRules(ctx context.Context, client api.Client) error {
	st := client.State()
	if st.Device == nil || st.Device.Name == "" {
		return errors.New("device is not registered yet")
	}

	projects, err := client.ListDeviceProjects(ctx, st.Device.Name)
	if err != nil {
		return fmt.Errorf("listing device projects: %w", err)
	}

	deviceRules := make([]projectRules, 0, len(projects))

	for _, project := range projects {
		version, err := client.GetDiagnosisRuleVersion(ctx, project.Name)
		if err != nil {
			version = -1
		}

		ruleSet, err := client.GetDiagnosisRule(ctx, project.Name)
		if err != nil {
			return fmt.Errorf("fetching rules for %s: %w", project.Name, err)
		}

		deviceRules = append(deviceRules, projectRules{
			ProjectName: project.Name,
			Version:     version,
			Rules:       []*api.ProjectDiagnosisRuleSet{ruleSet},
		})
	}

	// Pretty-print for humans, compact for pipes.
	var (
		out []byte
	)

	if isatty.IsTerminal(os.Stdout.Fd()) {
		out, err = json.MarshalIndent(deviceRules, "", "  ")
	} else {
		out, err = json.Marshal(deviceRules)
	}

	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, string(out))

	return nil
}
