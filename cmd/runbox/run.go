package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/executor"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/logger"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a program once and print its output",
	Long: `Execute a program in a fresh sandbox and print its output.

Code is read from the file argument, from --code, or from stdin. The process
exits with the program's exit code.

Examples:
  runbox run -l python script.py
  runbox run -l cpp -c 'int main(){return 3;}'
  echo 'console.log(1)' | runbox run -l javascript
  runbox run -l python --input data.txt solve.py`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("lang", "l", "", "Language id (required)")
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	runCmd.Flags().String("input", "", "File whose contents are passed to the program as stdin")
	runCmd.Flags().Bool("json", false, "Print the execution result as JSON")
	_ = runCmd.MarkFlagRequired("lang")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging.Mode, "warn")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	lang, _ := cmd.Flags().GetString("lang")
	inline, _ := cmd.Flags().GetString("code")
	inputFile, _ := cmd.Flags().GetString("input")
	asJSON, _ := cmd.Flags().GetBool("json")

	code, err := readCode(cmd.InOrStdin(), inline, args)
	if err != nil {
		return err
	}

	req := executor.Request{Code: code, Language: lang}
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		stdin := string(data)
		req.Stdin = &stdin
	}

	registry, err := language.NewRegistryFromConfig(cfg)
	if err != nil {
		return err
	}
	substrate := connectSubstrate(log, cfg)
	defer func() { _ = closeSubstrate(substrate) }()

	svc := newService(log, cfg, registry, substrate, nil)
	res, err := svc.Execute(cmd.Context(), req)
	if err != nil {
		return err
	}
	log.Debug("execution finished", zap.Float64("execution_time", res.ExecutionTime))

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
		if res.Error != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "runbox:", *res.Error)
		}
	}

	if res.ExitCode != 0 {
		return exitCodeError{code: res.ExitCode}
	}
	return nil
}

func readCode(stdin io.Reader, inline string, args []string) (string, error) {
	switch {
	case inline != "" && len(args) > 0:
		return "", fmt.Errorf("use either --code or a file argument, not both")
	case inline != "":
		return inline, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
}
