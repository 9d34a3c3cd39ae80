package main

import (
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"edgeai/internal/config"
	"edgeai/internal/logging"
	"edgeai/internal/observability"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// cli carries global flags and output streams shared by subcommands.
type cli struct {
	configPath string
	logLevel   string
	out        io.Writer
	errOut     io.Writer
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "edgeai",
		Short: "Multi-agent LLM orchestration on a single edge host",
		Long: bold("edgeai") + ` schedules role-specialized agents over a shared GPU,
a memory-budgeted model registry and a per-agent context store.

` + bold("EXAMPLES:") + `
  edgeai config init                 # write edgeai.yaml with defaults
  edgeai serve                       # start the HTTP API
  edgeai run --role planner "draft the rollout plan"
  edgeai agents                      # list configured agents`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default "+config.DefaultPath+" when present)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override observability.logging.level")

	root.AddCommand(
		newServeCommand(c),
		newRunCommand(c),
		newAgentsCommand(c),
		newConfigCommand(c),
		newVersionCommand(c),
	)
	return root
}

// loadConfig reads the explicit --config file, or edgeai.yaml in the working
// directory when it exists, on top of defaults and EDGEAI_* overrides.
func (c *cli) loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.Load(config.WithPath(c.configPath))
	} else {
		cfg, err = config.LoadDefaultPath()
	}
	if err != nil {
		return config.Config{}, err
	}
	if lvl := strings.TrimSpace(c.logLevel); lvl != "" {
		cfg.Observability.Logging.Level = lvl
	}
	return cfg, nil
}

// setupLogging installs the process-wide structured logger. Logs go to the
// error stream so command output stays machine readable.
func (c *cli) setupLogging(cfg config.Config) {
	logging.SetBase(observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: c.errOut,
	}))
}
