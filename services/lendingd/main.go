package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"

	"termlend/core/events"
	"termlend/observability/logging"
	telemetry "termlend/observability/otel"
	"termlend/services/lendingd/archive"
	"termlend/services/lendingd/config"
	"termlend/services/lendingd/health"
	"termlend/services/lendingd/runtime"
	"termlend/services/lendingd/server"
	"termlend/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("lendingd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	markets, err := config.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	logger := logging.SetupWithOptions("lendingd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	logger.Info("config loaded",
		slog.String("component", "config"),
		slog.String("markets_file", cfg.MarketsFile),
		slog.String("archive_driver", cfg.Archive.Driver),
		logging.MaskField("archive_dsn", cfg.Archive.DSN),
		logging.MaskField("jwt_secret", cfg.Auth.JWT.HMACSecret),
		slog.Int("api_tokens", len(cfg.Auth.APITokens)))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "lendingd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		Markets:     markets.Symbols(),
		Storage:     cfg.Storage.Backend,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	var sinks []events.Sink
	var eventArchive *archive.Archive
	if cfg.Archive.Driver != "" {
		eventArchive, err = archive.Open(cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer eventArchive.Close()
		sinks = append(sinks, eventArchive)
	}

	rt, err := runtime.New(runtime.Options{
		Markets:      marketSpecs(markets),
		Incentive:    markets.Incentive,
		TargetHealth: markets.TargetHealth,
		Admins:       adminAccounts(cfg.Auth),
		Store:        storage.NewMarketStore(db),
		Sinks:        sinks,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	if eventArchive != nil {
		seq, err := eventArchive.LastSequence(context.Background())
		if err != nil {
			return fmt.Errorf("read archive sequence: %w", err)
		}
		rt.Hub().Resume(seq)
	}
	restored, err := rt.Restore()
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	logger.Info("markets ready",
		slog.Any("markets", rt.Symbols()),
		slog.Bool("restored", restored),
		slog.String("backend", cfg.Storage.Backend))

	scheduler, err := runtime.NewScheduler(context.Background(), rt, cfg.Storage.Checkpoint)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := server.Options{Auth: cfg.Auth, RateLimit: cfg.RateLimit, Logger: logger}
	if eventArchive != nil {
		opts.Archive = eventArchive
	}
	var reporter *health.Reporter
	if cfg.Health.ListenAddress != "" {
		reporter = health.NewReporter(rt, logger)
		opts.Health = reporter
	}
	srv := server.New(rt, opts)

	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}
	listener, err := listen(cfg.ListenAddress, cfg.Environment, tlsCfg)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		listener = tls.NewListener(listener, tlsCfg)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("lendingd listening", slog.String("listen", cfg.ListenAddress), slog.Bool("tls", tlsCfg != nil))
		serverErr <- httpServer.Serve(listener)
	}()

	var grpcServer *grpc.Server
	if reporter != nil {
		healthListener, err := listen(cfg.Health.ListenAddress, cfg.Environment, tlsCfg)
		if err != nil {
			_ = httpServer.Close()
			return err
		}
		grpcServer = health.NewServer(tlsCfg)
		reporter.Register(grpcServer)
		go reporter.Run(ctx, cfg.Health.Interval)
		go func() {
			logger.Info("health listening", slog.String("listen", cfg.Health.ListenAddress))
			serverErr <- grpcServer.Serve(healthListener)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if grpcServer != nil {
			done := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(done)
			}()
			defer func() {
				select {
				case <-done:
				case <-shutdownCtx.Done():
					grpcServer.Stop()
				}
			}()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if grpcServer != nil {
			grpcServer.Stop()
		}
		_ = httpServer.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// listen opens addr. Without TLS only loopback addresses are allowed
// outside the dev environment.
func listen(addr, env string, tlsCfg *tls.Config) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			listener.Close()
			return nil, fmt.Errorf("plaintext listener %s is restricted to loopback or the dev environment", addr)
		}
	}
	return listener, nil
}

func marketSpecs(m config.Markets) []runtime.MarketSpec {
	specs := make([]runtime.MarketSpec, 0, len(m.Markets))
	for _, market := range m.Markets {
		specs = append(specs, runtime.MarketSpec{
			Symbol:       market.Symbol,
			Decimals:     market.Decimals,
			Price:        market.Price,
			AdjustFactor: market.AdjustFactor,
			Params:       market.Params,
			RateModel:    market.RateModel,
		})
	}
	return specs
}

// adminAccounts are granted the engine admin role: the configured admins
// plus the accounts behind admin API tokens.
func adminAccounts(cfg config.AuthConfig) []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	add := func(raw string) {
		addr := common.HexToAddress(raw)
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, admin := range cfg.Admins {
		add(admin)
	}
	for _, token := range cfg.APITokens {
		if token.Admin {
			add(token.Account)
		}
	}
	return out
}

func loadServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.MTLSEnabled() {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}
