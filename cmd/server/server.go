package server

import (
	"context"
	"io"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sidkik/deltasync/cmd/util"
	"github.com/sidkik/deltasync/pkg/auth"
	"github.com/sidkik/deltasync/pkg/config"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/store"
	syncServer "github.com/sidkik/deltasync/pkg/sync/server"
	"github.com/sidkik/deltasync/pkg/tree"
)

// Defaults for rotating the log file.
const (
	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 10
)

// New creates a new `server` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the sync server",
		Long: "Serve sync connections over gRPC, and the health, metrics and\n" +
			"token endpoints over HTTP.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/deltasync/server.yaml",
		"The path to the server config.")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.ParseServer(configPath)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	logFile := setupLogging(cfg.Log)
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg.Redis)
	if err != nil {
		return errors.WithContext(err, "connect to store")
	}
	defer st.Close()

	clock := clockwork.NewRealClock()
	tokens, err := auth.NewTokenTable([]byte(cfg.Tokens.Secret), cfg.Tokens.TTL.Duration, clock)
	if err != nil {
		return errors.WithContext(err, "create token table")
	}

	srv, err := syncServer.New(ctx, serverConfig(cfg), st, tokens,
		syncServer.OsFSOpener(cfg.DataRoot), clock)
	if err != nil {
		return errors.WithContext(err, "create server")
	}

	log.WithField("grpc", cfg.Listen.GRPC).
		WithField("http", cfg.Listen.HTTP).
		WithField("dataRoot", cfg.DataRoot).
		Info("Starting sync server")
	return srv.Run(ctx)
}

func serverConfig(cfg config.Server) syncServer.Config {
	opts := tree.DefaultOptions()
	opts.BlockSize = cfg.Sync.BlockSize
	opts.MaxFileSize = cfg.Sync.MaxFileSize
	return syncServer.Config{
		GRPCAddress:      cfg.Listen.GRPC,
		HTTPAddress:      cfg.Listen.HTTP,
		Options:          opts,
		MaxVerifyRetries: syncServer.DefaultMaxVerifyRetries,
		LockTimeout:      cfg.Sync.LockTimeout.Duration,
		MinClientVersion: cfg.MinClientVersion,
		AdminKey:         cfg.AdminKey,
	}
}

// newStore connects to Redis if it's configured. Otherwise, locks are only
// coordinated between the sessions of this process.
func newStore(ctx context.Context, cfg config.Redis) (store.Store, error) {
	if cfg.Address == "" {
		log.Info("No Redis address configured. Sync locks won't be shared " +
			"with other server processes.")
		return store.NewMemory(), nil
	}
	return store.NewRedis(ctx, cfg.Address, cfg.Password, cfg.DB)
}

// setupLogging sets the log level, and redirects logs to a rotated file if
// one is configured. The returned closer is nil if logs go to stderr.
func setupLogging(cfg config.Log) io.Closer {
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.File == "" {
		return nil
	}

	maxSize := cfg.MaxSizeMB
	if maxSize == 0 {
		maxSize = defaultLogMaxSizeMB
	}
	maxBackups := cfg.MaxBackups
	if maxBackups == 0 {
		maxBackups = defaultLogMaxBackups
	}

	logFile := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(logFile)
	return logFile
}
