package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/usagepanda/usagepanda-proxy/internal/auth"
	"github.com/usagepanda/usagepanda-proxy/internal/backend"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/gateway"
	"github.com/usagepanda/usagepanda-proxy/internal/logging"
	"github.com/usagepanda/usagepanda-proxy/internal/policy"
	"github.com/usagepanda/usagepanda-proxy/internal/server"
	"github.com/usagepanda/usagepanda-proxy/internal/stats"
	"github.com/usagepanda/usagepanda-proxy/internal/tenant"
	"github.com/usagepanda/usagepanda-proxy/internal/wordlist"
)

// statsStreamMaxLen bounds the redis stats stream.
const statsStreamMaxLen = 100000

// serverOptions are the flags of the server command.
type serverOptions struct {
	envFile      string
	listenAddr   string
	logLevel     string
	logFile      string
	settingsFile string
	debug        bool
}

func newServerCmd() *cobra.Command {
	opts := &serverOptions{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the proxy server",
		Long:  `Start the proxy server using configuration from the environment and an optional settings file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts)
		},
	}
	cmd.Flags().StringVar(&opts.envFile, "env", config.EnvOrDefault("ENV", ".env"), "Path to .env file")
	cmd.Flags().StringVar(&opts.listenAddr, "addr", config.EnvOrDefault("LISTEN_ADDR", ""), "Address to listen on (overrides env var)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", config.EnvOrDefault("LOG_LEVEL", ""), "Log level: debug, info, warn, error (overrides env var)")
	cmd.Flags().StringVar(&opts.logFile, "log-file", config.EnvOrDefault("LOG_FILE", ""), "Path to log file (overrides env var, default: stdout)")
	cmd.Flags().StringVarP(&opts.settingsFile, "settings", "s", config.EnvOrDefault("SETTINGS_FILE", ""), "Path to YAML policy settings file (overrides env var)")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "v", config.EnvBoolOrDefault("DEBUG", false), "Enable debug logging (overrides log-level)")
	return cmd
}

// loadEnv loads the .env file, when present, and applies flag overrides to
// the environment so config.New sees them.
func (o *serverOptions) loadEnv() error {
	if _, err := os.Stat(o.envFile); err == nil {
		if err := godotenv.Load(o.envFile); err != nil {
			log.Printf("Warning: Error loading %s file: %v", o.envFile, err)
		} else {
			log.Printf("Loaded environment from %s", o.envFile)
		}
	}
	overrides := map[string]string{
		"LISTEN_ADDR":   o.listenAddr,
		"LOG_LEVEL":     o.logLevel,
		"LOG_FILE":      o.logFile,
		"SETTINGS_FILE": o.settingsFile,
	}
	if o.debug {
		overrides["LOG_LEVEL"] = "debug"
	}
	for k, v := range overrides {
		if v == "" {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("failed to set %s environment variable: %w", k, err)
		}
	}
	return nil
}

func runServer(opts *serverOptions) error {
	if err := opts.loadEnv(); err != nil {
		return err
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if settings.DebugMode {
		cfg.LogLevel = "debug"
	}

	zapLogger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := zapLogger.Sync(); err != nil && !strings.Contains(err.Error(), "inappropriate ioctl for device") {
			log.Printf("Error syncing zap logger: %v", err)
		}
	}()
	logger := logging.WithProxyID(zapLogger, settings.ProxyID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg, settings, logger)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()
	logger.Info("server started",
		zap.String("addr", cfg.ListenAddr),
		zap.Bool("local_mode", settings.LocalMode),
		zap.String("stats_sink", cfg.StatsSink))

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("Press Ctrl+C to stop")
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited gracefully")
	return nil
}

// app holds the wired components of a running proxy.
type app struct {
	server    *server.Server
	scheduler *tenant.Scheduler
	uploader  *stats.Uploader
	redis     *redis.Client
	logger    *zap.Logger
}

// buildApp wires the gateway and its collaborators from cfg and the local
// settings.
func buildApp(cfg *config.Config, settings *config.Settings, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
		})
	}
	if settings.ConfigCacheType == tenant.StoreRedis && a.redis == nil {
		a.close()
		return nil, fmt.Errorf("CONFIG_CACHE_TYPE=redis requires REDIS_ADDR")
	}

	var sink stats.Sink
	switch cfg.StatsSink {
	case config.StatsSinkRedis:
		sink = stats.NewRedisStreamSink(a.redis, cfg.StatsStream, statsStreamMaxLen)
	default:
		sink = stats.NewHTTPSink(settings.UsagePandaAPI, cfg.StatsTimeout)
	}
	a.uploader = stats.NewUploader(sink, cfg.StatsQueueSize, cfg.StatsTimeout, logger)

	upstream := backend.NewClient(cfg.RequestTimeout, logger)
	words := wordlist.New(cfg.WordlistDir, logger)
	loader := tenant.NewLoader(settings, upstream, tenant.NewStore(settings, a.redis), logger)
	a.scheduler = tenant.NewScheduler(loader, settings.CacheTTL(), cfg.ConfigRefreshKeys, logger, words)

	gw := gateway.New(gateway.Deps{
		Settings:     settings,
		Resolver:     auth.New(settings, logger),
		Loader:       loader,
		Chain:        policy.NewChain(policy.Deps{Wordlists: words, Backend: upstream}),
		Backend:      upstream,
		Uploader:     a.uploader,
		Logger:       logger,
		MaxBodyBytes: cfg.MaxRequestSize,
	})
	a.server = server.New(cfg, gw, logger)
	return a, nil
}

// start launches background jobs.
func (a *app) start(ctx context.Context) error {
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn("redis unreachable; config cache and stats stream will fail open", zap.Error(err))
		}
	}
	return a.scheduler.Start(ctx)
}

// close releases resources in reverse order of creation.
func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.uploader != nil {
		a.uploader.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
}
