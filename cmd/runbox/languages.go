package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/runbox/language"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List configured languages",
	Args:  cobra.NoArgs,
	RunE:  runLanguages,
}

func init() {
	languagesCmd.Flags().StringP("output", "o", "text", "Output format: text, json, yaml")
	rootCmd.AddCommand(languagesCmd)
}

type languageInfo struct {
	ID         string   `json:"id" yaml:"id"`
	Image      string   `json:"image" yaml:"image"`
	EntryFile  string   `json:"entry_file" yaml:"entry_file"`
	CompileCmd string   `json:"compile_cmd,omitempty" yaml:"compile_cmd,omitempty"`
	RunCmd     string   `json:"run_cmd" yaml:"run_cmd"`
	TimeoutSec float64  `json:"timeout_sec" yaml:"timeout_sec"`
	MemoryMB   int64    `json:"memory_mb" yaml:"memory_mb"`
	CPUQuota   float64  `json:"cpu_quota" yaml:"cpu_quota"`
	Env        []string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

func runLanguages(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry, err := language.NewRegistryFromConfig(cfg)
	if err != nil {
		return err
	}

	infos := make([]languageInfo, 0, len(registry.List()))
	for _, p := range registry.Profiles() {
		infos = append(infos, languageInfo{
			ID:         p.ID,
			Image:      p.Image,
			EntryFile:  p.EntryFile,
			CompileCmd: p.CompileCommand,
			RunCmd:     p.RunCommand,
			TimeoutSec: p.Timeout.Seconds(),
			MemoryMB:   p.MemoryBytes / language.BytesPerMB,
			CPUQuota:   p.CPUQuota,
			Env:        p.Env,
		})
	}

	output, _ := cmd.Flags().GetString("output")
	out := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(infos)
	case "text":
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tIMAGE\tENTRY\tCOMPILED\tTIMEOUT\tMEMORY")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%gs\t%dMB\n",
				info.ID, info.Image, info.EntryFile, info.CompileCmd != "", info.TimeoutSec, info.MemoryMB)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q: use text, json or yaml", output)
	}
}
