// Command narrator plays a Dungeon Master conversation in the terminal, with
// chats kept in a local SQLite file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"narrator-backend/internal/config"
	"narrator-backend/internal/llm"
	"narrator-backend/internal/logging"
	"narrator-backend/internal/options"
	"narrator-backend/internal/repository"
	"narrator-backend/internal/rules"
	"narrator-backend/internal/session"
	"narrator-backend/internal/worker"
)

var (
	flagModel       string
	flagTemperature float64
	flagNarrative   bool
	flagRules       string
	flagDB          string
	flagChat        string
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "narrator",
	Short: "Play a text adventure with a language model as Dungeon Master",
	Long: `narrator runs an interactive Dungeon Master session in the terminal.

Type to act. Lines starting with / are commands; /help lists them.
The API key is read from OPENAI_API_KEY or set with /key.`,
	SilenceUsage: true,
	RunE:         runREPL,
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List saved chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := repository.NewSQLiteStore(flagDB)
		if err != nil {
			return err
		}
		defer store.Close()
		return printChats(cmd.Context(), cmd.OutOrStdout(), store)
	},
}

func init() {
	cfg := config.LoadLocal()

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagModel, "model", "m", cfg.DefaultModel, "model to use")
	flags.Float64VarP(&flagTemperature, "temperature", "t", cfg.DefaultTemperature, "sampling temperature")
	flags.BoolVar(&flagNarrative, "narrative", cfg.NarrativeMode, "prefix every action with the Dungeon Master rules")
	flags.StringVar(&flagRules, "rules", cfg.RulesPath, "file with a custom rule block")
	flags.StringVar(&flagDB, "db", "narrator.db", "SQLite file for saved chats")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().StringVarP(&flagChat, "chat", "c", "", "resume the chat with this id")

	rootCmd.AddCommand(chatsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runREPL(cmd *cobra.Command, args []string) error {
	cfg := config.LoadLocal()

	logger, err := logging.NewTerminal(flagVerbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := repository.NewSQLiteStore(flagDB)
	if err != nil {
		return err
	}
	defer store.Close()

	dmRules, err := rules.Load(flagRules)
	if err != nil {
		return err
	}

	openAI := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:            cfg.OpenAIBaseURL,
		ProxyURL:           cfg.OpenAIProxyURL,
		ConcurrentRequests: 1,
		RequestsPerMinute:  cfg.OpenAIRequestsPerMin,
	}, logger)

	var gemini llm.Completer
	if cfg.GeminiAPIKey != "" {
		client, err := llm.NewGeminiClient(cmd.Context(), cfg.GeminiAPIKey, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		gemini = client
	}
	completer := llm.NewRouter(openAI, gemini)

	pool := worker.NewPool(1, 4, logger)
	pool.Start()
	defer pool.Stop()

	out := cmd.OutOrStdout()
	printer := newPrinter(out)

	shared := session.Shared{
		Store:          store,
		Completer:      completer,
		Pool:           pool,
		OptionsBackend: options.NewMemoryBackend(),
		Defaults:       options.Defaults(flagModel, flagTemperature),
		Rules:          dmRules,
		Narrative:      flagNarrative,
		ProxySupported: completer.ProxySupported,
		Notifier:       printer,
		Logger:         logger,
	}
	sess := shared.Build("terminal", nil)
	defer sess.Close()

	if cfg.OpenAIAPIKey != "" {
		if err := sess.Options().Set(cmd.Context(), "openai", "apiKey", "", cfg.OpenAIAPIKey); err != nil {
			return err
		}
	}
	if flagChat != "" {
		if err := sess.Navigate("/chat/" + flagChat); err != nil {
			return err
		}
	}

	logger.Debug("terminal session ready",
		zap.String("model", flagModel),
		zap.Bool("narrative", flagNarrative),
		zap.String("db", flagDB))

	r := &repl{
		session: sess,
		store:   store,
		printer: printer,
		in:      cmd.InOrStdin(),
		out:     out,
		timeout: 5 * time.Minute,
	}
	return r.run(cmd.Context())
}
