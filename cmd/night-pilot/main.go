// night-pilot is the host CLI for the automation engine. It contains no
// engine logic: it parses arguments, calls the facade, prints, and maps
// errors to the documented exit codes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/s123104/night-pilot/pkg/config"
	"github.com/s123104/night-pilot/pkg/engine"
	"github.com/s123104/night-pilot/pkg/nperrors"
	"github.com/s123104/night-pilot/pkg/store"
)

// Filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "night-pilot",
		Short:         "Local automation engine for an external Claude CLI agent",
		Version:       fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default <data root>/config.yml)")

	root.AddCommand(serveCmd(), runCmd(), statusCmd(), promptCmd(), jobCmd(), resultsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(nperrors.ExitCode(err))
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(configDir, "night-pilot", "config.yml")
	}
	return filepath.Join(".night-pilot", "config.yml")
}

// withEngine boots the engine, runs fn, and tears everything down.
func withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	log, err := cfg.BuildLogger()
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := engine.New(ctx, cfg, *log)
	if err != nil {
		return err
	}
	if err = e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()
	return fn(ctx, e)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				<-sigCtx.Done()
				return nil
			})
		},
	}
}

func runCmd() *cobra.Command {
	var (
		promptID  int64
		format    string
		timeout   int64
		skipPerms bool
		dryRun    bool
		workdir   string
	)
	cmd := &cobra.Command{
		Use:   "run [prompt text]",
		Short: "Execute a prompt immediately and print the result",
		RunE: func(_ *cobra.Command, args []string) error {
			input := engine.RunNowInput{
				PromptID: promptID,
				Options: store.ExecutionOptions{
					SkipPermissions:  skipPerms,
					OutputFormat:     store.OutputFormat(format),
					TimeoutSeconds:   timeout,
					WorkingDirectory: workdir,
					DryRun:           dryRun,
				},
			}
			if len(args) > 0 {
				input.PromptText = strings.Join(args, " ")
			}
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.RunNow(ctx, input)
				if err != nil {
					return err
				}
				switch result.Status {
				case store.ResultSuccess:
					fmt.Print(result.Stdout)
					return nil
				case store.ResultCooldownAbort:
					until := "unknown"
					if result.Cooldown != nil {
						until = result.Cooldown.UntilTime().Format(time.RFC3339)
					}
					return fmt.Errorf("%w: agent rate limited, deferred until %s", nperrors.ErrCooldown, until)
				case store.ResultCancelled:
					return nperrors.ErrCancelled
				default:
					return fmt.Errorf("%w: %s (exit %d): %s",
						nperrors.ErrAgent, result.FailureKind, result.ExitCode, strings.TrimSpace(result.StderrTail))
				}
			})
		},
	}
	cmd.Flags().Int64Var(&promptID, "prompt-id", 0, "run a stored prompt instead of ad-hoc text")
	cmd.Flags().StringVar(&format, "output-format", "text", "agent output format (json|text)")
	cmd.Flags().Int64Var(&timeout, "timeout", 0, "wall-clock cap in seconds")
	cmd.Flags().BoolVar(&skipPerms, "dangerously-skip-permissions", false, "pass the agent's skip-permission-prompts flag")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the would-be command without spawning")
	cmd.Flags().StringVar(&workdir, "cwd", "", "agent working directory (must be whitelisted)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine health, cooldown, and usage",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				payload := map[string]any{
					"health":   e.HealthCheck(ctx),
					"cooldown": e.CooldownCurrent(),
				}
				if snapshot := e.UsageCurrent(); snapshot != nil {
					payload["usage"] = snapshot
				} else {
					payload["usage"] = "unknown"
				}
				return printJSON(payload)
			})
		},
	}
}

func promptCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "prompt", Short: "Manage prompt templates"}

	var tags []string
	create := &cobra.Command{
		Use:   "create <title> <content>",
		Short: "Store a prompt template",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				prompt, err := e.CreatePrompt(ctx, args[0], args[1], tags)
				if err != nil {
					return err
				}
				return printJSON(prompt)
			})
		},
	}
	create.Flags().StringSliceVar(&tags, "tag", nil, "label (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored prompts",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				prompts, err := e.ListPrompts(ctx, store.PromptFilter{})
				if err != nil {
					return err
				}
				return printJSON(prompts)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a prompt and everything scheduled from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				return e.DeletePrompt(ctx, id)
			})
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Manage scheduled jobs"}

	var (
		cronExpr string
		runAt    string
	)
	create := &cobra.Command{
		Use:   "create <prompt-id>",
		Short: "Schedule a prompt (immediate by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			promptID, err := parseID(args[0])
			if err != nil {
				return err
			}
			spec := engine.JobSpec{PromptID: promptID, Mode: store.JobModeImmediate}
			if cronExpr != "" {
				spec.Mode = store.JobModeCron
				spec.CronExpr = cronExpr
			} else if runAt != "" {
				parsed, parseErr := time.Parse(time.RFC3339, runAt)
				if parseErr != nil {
					return nperrors.Validationf("run-at %q: %v", runAt, parseErr)
				}
				spec.Mode = store.JobModeOneShot
				spec.RunAt = &parsed
			}
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				job, err := e.CreateJob(ctx, spec)
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
	create.Flags().StringVar(&cronExpr, "cron", "", "five-field cron expression")
	create.Flags().StringVar(&runAt, "run-at", "", "one-shot fire time (RFC 3339)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				jobs, err := e.ListJobs(ctx, nil)
				if err != nil {
					return err
				}
				return printJSON(jobs)
			})
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job and its live invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				return e.CancelJob(ctx, id)
			})
		},
	}

	cmd.AddCommand(create, list, cancel)
	return cmd
}

func resultsCmd() *cobra.Command {
	var (
		jobID int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List execution results",
		RunE: func(_ *cobra.Command, _ []string) error {
			filter := store.ResultFilter{Limit: limit}
			if jobID != 0 {
				filter.JobID = &jobID
			}
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				results, err := e.ListResults(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(results)
			})
		},
	}
	cmd.Flags().Int64Var(&jobID, "job-id", 0, "filter by job")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func parseID(raw string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil || id <= 0 {
		return 0, nperrors.Validationf("invalid id %q", raw)
	}
	return id, nil
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
