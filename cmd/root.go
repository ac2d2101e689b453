package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/andresmejia3/facecam/internal/config"
	"github.com/andresmejia3/facecam/internal/store"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds per-command flags for enroll, capture, run, session and identify
type Options struct {
	ImagePath string
	Name      string
	Every     int
	MaxFPS    float64
	Serve     string
	SourceDir string
	Loop      bool
	Output    string
	Yes       bool
}

var (
	// Store is the registry backend shared by subcommands
	Store store.Store
	// Cfg is the resolved configuration (defaults, file, env, flags)
	Cfg *config.Config

	cfgFile   string
	dataDir   string
	dbURL     string
	threshold float64
	workerCmd string
	logLevel  string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facecam",
	Short:   "Live camera face identification",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Optional .env next to the binary; real environment variables win
		_ = godotenv.Load()

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		Cfg = cfg
		setupLogging(cfg.LogLevel)

		Store, err = openStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open registry store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Store != nil {
			// The command context may already be cancelled by Ctrl+C
			Store.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.SilenceErrors = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default: ./facecam.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "function_cam", "Directory for the registry and captured stills")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string; stores the registry in pgvector instead of a file")
	rootCmd.PersistentFlags().Float64VarP(&threshold, "threshold", "t", 0.6, "Face matching threshold (lower is stricter)")
	rootCmd.PersistentFlags().StringVar(&workerCmd, "worker", "", "Command that starts the face engine; the engine script is not bundled (default: python3 -u python/worker.py)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// loadConfig layers explicitly set flags over config.Load.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("db") {
		cfg.DatabaseURL = dbURL
	}
	if flags.Changed("threshold") {
		cfg.Threshold = threshold
	}
	if flags.Changed("worker") {
		cfg.Worker.Command = strings.Fields(workerCmd)
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) {
	l, err := config.ParseLevel(level)
	if err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewFileStore(cfg.DataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return store.NewPG(ctx, cfg.DatabaseURL, filepath.Join(cfg.DataDir, store.StillFile))
}
