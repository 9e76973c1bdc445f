package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/m4xw311/codexd/agent"
	"github.com/m4xw311/codexd/agent/terminal"
	"github.com/m4xw311/codexd/config"
	"github.com/m4xw311/codexd/logging"
	"github.com/m4xw311/codexd/repo"
	"github.com/m4xw311/codexd/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	dbPath     string
	repoDir    string
	verbose    bool
	jsonLog    bool
	trace      bool

	closeLog func() error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "codexd [prompt...]",
		Short: "Talk to a coding agent about your git history",
		Long: `codexd analyzes the recent history of a git repository, starts the
codex-acp agent with that analysis as its system prompt and opens an
interactive conversation. Arguments, if any, are sent as the first prompt.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			closer, err := logging.Setup(logging.Options{Verbose: opts.verbose, JSON: opts.jsonLog, Trace: opts.trace})
			if err != nil {
				return err
			}
			opts.closeLog = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closeLog != nil {
				return opts.closeLog()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, strings.Join(args, " "))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Configuration file (default: ~/.codexd/config.yaml then ./.codexd/config.yaml)")
	flags.StringVar(&opts.dbPath, "db", "", "Transcript database (overrides transcript.db_path)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	flags.BoolVar(&opts.jsonLog, "json-log", false, "Output logs in JSON format")
	flags.BoolVar(&opts.trace, "trace", false, "Log every protocol line to codexd.trace")
	root.Flags().StringVarP(&opts.repoDir, "repo", "r", ".", "Repository to analyze")

	root.AddCommand(newHistoryCmd(opts), newWipeCmd(opts))
	return root
}

func (o *options) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.Transcript.DBPath = o.dbPath
	}
	return cfg, nil
}

func (o *options) openTranscript(ctx context.Context, cfg *config.Config) (*session.Store, error) {
	store, err := session.Open(cfg.Transcript.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func runChat(cmd *cobra.Command, opts *options, initialPrompt string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	repoDir, err := filepath.Abs(opts.repoDir)
	if err != nil {
		return err
	}

	analysis, err := repo.Analyze(repoDir, cfg.HistoryLimit)
	if err != nil {
		return err
	}
	log.Info().Str("repo", repoDir).Int("commits", analysis.Commits).Str("pattern", analysis.PatternType).Msg("history analyzed")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := opts.openTranscript(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := agent.New(cfg, agent.WithLogger(log.Logger))
	defer eng.Close()
	// Closing the engine is the only way to interrupt a blocked read.
	go func() {
		<-ctx.Done()
		_ = eng.Close()
	}()

	if err := eng.Connect(ctx); err != nil {
		return err
	}
	if err := eng.Initialize(ctx); err != nil {
		return err
	}
	if _, err := eng.CreateSession(ctx, repo.SystemPrompt(analysis), repoDir); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\nType /quit to leave.\n", analysis.Summary)
	term := terminal.New(eng,
		terminal.WithIO(cmd.InOrStdin(), cmd.OutOrStdout()),
		terminal.WithTranscript(store),
		terminal.WithLogger(log.Logger),
	)
	return term.Run(ctx, initialPrompt)
}
