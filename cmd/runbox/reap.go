package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/reaper"
	"github.com/isdmx/runbox/sandbox"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove stale sandboxes left behind by crashed processes",
	Args:  cobra.NoArgs,
	RunE:  runReap,
}

func init() {
	reapCmd.Flags().Duration("min-age", 0, "Only remove sandboxes older than this (default: sandbox.reap_min_age)")
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	minAge, _ := cmd.Flags().GetDuration("min-age")
	if minAge <= 0 {
		minAge = cfg.Sandbox.ReapMinAge
	}

	substrate, err := sandbox.Connect(cmd.Context(), log, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeSubstrate(substrate) }()

	n, err := reaper.New(log, substrate, cfg.Sandbox.ReapInterval, minAge).Sweep(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale sandbox(es)\n", n)
	return err
}
