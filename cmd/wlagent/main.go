package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"wlagent/internal/app"
	"wlagent/internal/config"
	"wlagent/internal/domain"
	"wlagent/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "wlagent",
	Short: "Resumable discovery, planning and delivery agent for Workline",
	Long: `wlagent drives a language model through discovery workshops, iteration
planning, specifications and delivery, storing every result on Workline work
items so an interrupted run resumes where it stopped.
- Discovery: four workshop items (initial refinement, event storming, decision, clarification).
- Planning: one-iteration plan reviewed by a human before anything is created.
- Delivery: iteration and backlog reconciled against Workline without duplicates.
- Human gate: questions and the plan review are asked on the terminal and recorded on the items.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "workflow YAML (defaults built in)")
	pf.String("base-url", "", "Workline API base URL")
	pf.String("project-id", "", "Workline project id")
	pf.String("actor-id", "", "actor identifier sent as X-Actor-Id")
	pf.Bool("json", false, "output JSON")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", logging.FormatConsole, "log format (console, json)")
	for _, name := range []string{"config", "base-url", "project-id", "actor-id", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sandboxCmd())
}

// env bundles what every command needs.
type env struct {
	cfg      *config.Config
	settings app.Settings
	logger   *zap.Logger
}

func loadEnv() (*env, error) {
	logger, err := logging.New(viper.GetString("log_level"), viper.GetString("log_format"))
	if err != nil {
		return nil, err
	}
	settings := app.SettingsFromViper(viper.GetViper())
	cfg, err := config.Load(settings.ConfigPath)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, settings: settings, logger: logger}, nil
}

func withEnv(fn func(*env) error) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer logging.Sync(e.logger)
	return fn(e)
}

func runCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workflow once and print the result",
		Long:  "Runs problem statement, discovery, planning, review, feature workshops, specifications and delivery. Steps already stored on Workline are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(e *env) error {
				if model != "" {
					e.settings.Model = model
				}
				runner, err := app.NewRunner(e.cfg, e.settings, e.logger)
				if err != nil {
					return err
				}
				o := app.NewOrchestrator(e.cfg, e.settings, runner, e.logger)
				res, err := o.Run(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "chat model (overrides the workflow file)")
	return cmd
}

type phaseStatus struct {
	Phase        string `json:"phase"`
	ItemID       string `json:"item_id"`
	Title        string `json:"title"`
	Exists       bool   `json:"exists"`
	Complete     bool   `json:"complete"`
	Summary      bool   `json:"summary"`
	NextSteps    bool   `json:"next_steps"`
	Conversation int    `json:"conversation"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which workflow items are done",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(e *env) error {
				acc := app.NewAccessor(e.cfg, e.settings, e.logger)
				var rows []phaseStatus
				for _, p := range domain.DiscoveryPhases() {
					w := e.cfg.Workshop(p)
					item, err := acc.GetWorkItem(cmd.Context(), w.ID)
					if err != nil {
						return err
					}
					row := phaseStatus{Phase: string(p), ItemID: w.ID, Title: w.Title, Exists: item != nil}
					if item != nil {
						_, row.Complete = item.Outcome(domain.OutputField)
						_, row.Summary = item.Outcome(domain.SummaryField)
						_, row.NextSteps = item.Outcome(domain.NextStepsField)
						row.Conversation = len(item.Conversation())
					}
					rows = append(rows, row)
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Item", "Exists", "Complete", "Summary", "Next steps", "Conversation"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Phase, r.ItemID, yesNo(r.Exists), yesNo(r.Complete), yesNo(r.Summary), yesNo(r.NextSteps), r.Conversation})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the latest Workline events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(e *env) error {
				if n <= 0 {
					n = e.cfg.Delivery.EventsLimit
				}
				events, err := app.NewAccessor(e.cfg, e.settings, e.logger).LatestEvents(cmd.Context(), n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 0, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workflow configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return config.Write(os.Stdout, cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the workflow file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				return errors.New("no workflow file given; use --config or WORKLINE_CONFIG")
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default workflow file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "wlagent.yml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)
	return cfgCmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
