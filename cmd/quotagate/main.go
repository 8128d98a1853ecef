// Command quotagate serves metered generation over HTTP and runs the
// scheduled maintenance jobs.
//
// Usage:
//
//	quotagate [-config path] serve
//	quotagate [-config path] reset-daily
//	quotagate [-config path] burst-report [-since 24h]
//	quotagate [-config path] token -sub ID [-handle NAME] [-ttl 1h]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/httpapi"
	"github.com/ineyio/quotagate/meter"
	"github.com/ineyio/quotagate/provider/gemini"
	"github.com/ineyio/quotagate/provider/mock"
	"github.com/ineyio/quotagate/store/memory"
	"github.com/ineyio/quotagate/store/postgres"
	"github.com/ineyio/quotagate/store/redis"
)

func main() {
	// .env is optional.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("QUOTAGATE_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "reset-daily":
		err = resetDaily(ctx, cfg, logger)
	case "burst-report":
		err = burstReport(ctx, cfg, logger, args)
	case "token":
		err = issueToken(cfg, args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		logger.Error("quotagate failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (quotagate.Config, error) {
	if path == "" {
		cfg := quotagate.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return quotagate.LoadConfig(path)
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg quotagate.StoreConfig) (quotagate.AccountStore, func(), error) {
	switch cfg.Driver {
	case quotagate.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		var opts []postgres.Option
		if cfg.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.TablePrefix))
		}
		s := postgres.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	case quotagate.StoreRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		var opts []redis.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.KeyPrefix))
		}
		return redis.New(client, opts...), func() { client.Close() }, nil

	default:
		return memory.New(), func() {}, nil
	}
}

func newGenerator(cfg quotagate.GeneratorConfig) quotagate.Generator {
	if cfg.Provider == "gemini" {
		return gemini.FromConfig(cfg)
	}
	return mock.FromConfig(cfg)
}

func serve(ctx context.Context, cfg quotagate.Config, logger *slog.Logger) error {
	if cfg.HTTP.JWTSecret == "" {
		return errors.New("http.jwt_secret is required to serve")
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []quotagate.Option{
		quotagate.WithConfig(cfg),
		quotagate.WithMeter(meter.NewLogMeter(logger)),
	}

	svc, err := quotagate.NewService(store, newGenerator(cfg.Generator), opts...)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Service:     svc,
		Admin:       quotagate.NewAdmin(store, opts...),
		Provisioner: quotagate.NewProvisioner(store, opts...),
		Reporter:    quotagate.NewReporter(store, cfg.Burst.Window, cfg.Burst.Threshold, opts...),
		Auth:        httpapi.NewAuthenticator(cfg.HTTP.JWTSecret, cfg.HTTP.JWTIssuer),
	}, httpapi.WithLogger(logger))

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver, "generator", cfg.Generator.Provider)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func resetDaily(ctx context.Context, cfg quotagate.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := quotagate.NewDailyReset(store, quotagate.WithConfig(cfg)).Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("daily reset complete", "accounts", n)

	if c, ok := store.(idempotencyCleaner); ok {
		removed, err := c.CleanupIdempotency(ctx, 24*time.Hour)
		if err != nil {
			return err
		}
		logger.Info("idempotency keys removed", "keys", removed)
	}
	return nil
}

// idempotencyCleaner is implemented by stores whose idempotency keys do
// not expire on their own.
type idempotencyCleaner interface {
	CleanupIdempotency(ctx context.Context, olderThan time.Duration) (int64, error)
}

func burstReport(ctx context.Context, cfg quotagate.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("burst-report", flag.ContinueOnError)
	since := fs.Duration("since", 24*time.Hour, "how far back to scan")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	reporter := quotagate.NewReporter(store, cfg.Burst.Window, cfg.Burst.Threshold, quotagate.WithConfig(cfg))
	report, err := reporter.Report(ctx, time.Now().Add(-*since))
	if err != nil {
		return err
	}

	logger.Info("burst report", "bursts", len(report.Bursts), "newly_heavy", len(report.NewlyHeavy))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func issueToken(cfg quotagate.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "account id (token subject)")
	handle := fs.String("handle", "", "handle claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("token: -sub is required")
	}
	if cfg.HTTP.JWTSecret == "" {
		return errors.New("token: http.jwt_secret is required")
	}

	token, err := httpapi.NewAuthenticator(cfg.HTTP.JWTSecret, cfg.HTTP.JWTIssuer).Issue(*sub, *handle, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
