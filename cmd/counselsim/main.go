package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"counselsim/internal/agentapi"
	"counselsim/internal/config"
	"counselsim/internal/relay"
	"counselsim/internal/session"
	"counselsim/internal/trainer"
	"counselsim/internal/ui"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "counselsim",
	Short: "counselsim - counseling practice simulator",
	Long: `counselsim drives a counseling practice session against three
LLM agents: a simulated visitor, a supervisor scoring each turn, and an
optional end-of-session overall evaluator.

Run without arguments to start the interactive training chat.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The interactive chat owns the terminal; keep the console quiet.
		if (cmd.Name() == "counselsim" || cmd.Name() == "chat") && !verbose {
			logger = zap.NewNop()
			return nil
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// relayCmd serves the CORS relay
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve the CORS relay in front of the agent gateway",
	Long: `Runs the relay HTTP server. Browser clients cannot call the agent
gateway directly (CORS, credential exposure); they POST
{apiUrl, apiKey, payload} to the relay, which forwards the payload with
the Bearer credential attached. The config file is watched and reloaded
on change.`,
	RunE: runRelay,
}

// chatCmd is the explicit form of the default command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive training chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// probeCmd plays a single turn without the TUI
var probeCmd = &cobra.Command{
	Use:   "probe [message]",
	Short: "Play one turn against the agents and print the result as JSON",
	Long: `Sends one counselor message through the full turn pipeline
(visitor and supervisor concurrently) and prints the normalized outcome.
Useful for checking agent configuration and prompt wiring.

Example:
  counselsim probe "你最近睡眠怎么样？"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

func newTrainer(ctx context.Context) (*trainer.Trainer, *config.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	store := config.NewStore(cfg, configPath, logger)
	go func() {
		if err := store.Watch(ctx); err != nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	client := agentapi.NewClient(agentapi.Config{
		RelayURL: cfg.RelayURL,
		Logger:   logger,
	})
	return trainer.New(store, client, session.New(), logger), store, nil
}

func runChat() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, _, err := newTrainer(ctx)
	if err != nil {
		return err
	}
	return ui.Run(tr)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(cfg, configPath, logger)
	server := relay.NewServer(&cfg.Relay, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return store.Watch(ctx) })
	return g.Wait()
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, _, err := newTrainer(ctx)
	if err != nil {
		return err
	}

	message := strings.Join(args, " ")
	tr.SetCurrentTurn(1)
	res := tr.PlayTurn(ctx, message, nil, nil)

	out := map[string]any{}
	if res.Visitor != nil {
		out["visitor"] = res.Visitor
	}
	if res.VisitorErr != nil {
		out["visitor_error"] = res.VisitorErr.Error()
	}
	if res.Supervisor != nil {
		out["supervisor"] = res.Supervisor
	}
	if res.SupervisorErr != nil {
		out["supervisor_error"] = res.SupervisorErr.Error()
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))

	if res.VisitorErr != nil && res.SupervisorErr != nil {
		return fmt.Errorf("both agent calls failed")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "counselsim.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
