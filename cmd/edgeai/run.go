package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"edgeai/internal/di"
	"edgeai/internal/domain/agent"
	"edgeai/internal/domain/task"
	"edgeai/internal/utils/id"
)

type runOptions struct {
	role     string
	priority int
	timeout  time.Duration
	asJSON   bool
	plain    bool
}

func newRunCommand(c *cli) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run [input...]",
		Short: "Run a single task in-process and print its result",
		Long: `Run builds the full stack in-process, submits one task to the agent serving
--role and waits for it. The input is read from stdin when it is "-" or
omitted with stdin redirected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.Join(args, " ")
			if input == "-" || (input == "" && !isTerminal(os.Stdin)) {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				input = string(data)
			}
			if strings.TrimSpace(input) == "" {
				return fmt.Errorf("task input is required")
			}
			return c.run(cmd.Context(), input, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.role, "role", "r", agent.RolePlanner.String(), "agent role to run the task")
	cmd.Flags().IntVarP(&opts.priority, "priority", "p", 0, "task priority, higher runs first")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "maximum time to wait for the result")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the final task record as JSON")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "print the result without markdown styling")
	return cmd
}

func (c *cli) run(ctx context.Context, input string, opts runOptions) error {
	role, err := agent.ParseRole(opts.role)
	if err != nil {
		return err
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	c.setupLogging(cfg)

	container, err := di.BuildContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = container.Shutdown(shutdownCtx)
	}()
	if err := container.Start(ctx); err != nil {
		return err
	}

	ctx = id.WithCorrelationID(ctx, id.NewCorrelationID())
	taskID, err := container.Orchestrator.Submit(ctx, task.Task{Role: role, Input: input, Priority: opts.priority})
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	t, err := container.Orchestrator.Wait(waitCtx, taskID)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", taskID, err)
	}

	if opts.asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(t); err != nil {
			return err
		}
	} else {
		c.printTask(t, !opts.plain && c.out == os.Stdout && isTerminal(os.Stdout))
	}
	if t.Status != task.StatusDone {
		return fmt.Errorf("task %s %s: %s", t.ID, t.Status, t.Error)
	}
	return nil
}

func (c *cli) printTask(t task.Task, styled bool) {
	status := string(t.Status)
	switch t.Status {
	case task.StatusDone:
		status = green(status)
	case task.StatusFailed:
		status = red(status)
	default:
		status = yellow(status)
	}
	c.printf("%s %s %s %s\n", gray("task"), t.ID, cyan(t.Role.String()), status)
	if t.Degraded {
		c.printf("%s\n", yellow("degraded output"))
	}
	if t.Result == "" {
		return
	}
	result := t.Result
	if styled {
		if rendered, err := renderMarkdown(result); err == nil {
			result = rendered
		}
	}
	c.printf("\n%s\n", result)
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
