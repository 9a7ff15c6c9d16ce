package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/unidel2035/agentbus/health"
	"github.com/unidel2035/agentbus/internal/config"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the configuration after files and environment are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			data, err := config.Encode(cfg, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	showCmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml or toml")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "List the recognised environment variables",
		Run: func(cmd *cobra.Command, args []string) {
			for _, key := range config.EnvKeys() {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if _, err := cfg.BusOptions(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	configCmd.AddCommand(showCmd, envCmd, validateCmd)
	return configCmd
}

func newStatusCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the health endpoint of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}
			resp, err := client.Get(strings.TrimSuffix(url, "/") + "/healthz")
			if err != nil {
				return fmt.Errorf("failed to reach server: %w", err)
			}
			defer resp.Body.Close()

			var report health.Report
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("failed to decode health report: %w", err)
			}
			printReport(cmd, report)

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("server is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "Server base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func printReport(cmd *cobra.Command, report health.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s\n\n", strings.ToUpper(string(report.Status)))

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "%-12s %-10s %s\n", "CHECK", "STATUS", "MESSAGE")
	fmt.Fprintf(out, "%s\n", strings.Repeat("-", 60))
	for _, name := range names {
		check := report.Checks[name]
		message := check.Message
		if check.Error != "" {
			message += " (" + check.Error + ")"
		}
		fmt.Fprintf(out, "%-12s %-10s %s\n", name, check.Status, message)
	}
}
