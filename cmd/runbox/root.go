package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/isdmx/runbox/config"
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Sandboxed code execution service",
	Long: `runbox - Run untrusted code in throwaway container sandboxes.

Each execution gets a fresh container with no network, capped memory, CPU and
process count. The container is destroyed before the result is returned.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError makes the process exit with a program's own exit code
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./config.yaml or ./config/config.yaml)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(file)
}
