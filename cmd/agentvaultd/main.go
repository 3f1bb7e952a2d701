package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentVault/internal/agentreg"
	"AgentVault/internal/api"
	"AgentVault/internal/assets"
	"AgentVault/internal/authz"
	"AgentVault/internal/config"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/pairing"
	"AgentVault/internal/session"
	"AgentVault/internal/signer"
	"AgentVault/internal/store"
	"AgentVault/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("agentvaultd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTVAULT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentvault.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	docs, err := openDocumentStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer docs.Close()

	pub, err := openPublisher(cfg)
	if err != nil {
		return err
	}
	defer pub.Close()

	catalog, err := assets.LoadCatalog(cfg.Assets.CatalogPath)
	if err != nil {
		return err
	}

	sig, err := loadSigner()
	if err != nil {
		return err
	}

	remote, err := authz.NewClient(cfg.Authz.BaseURL, &http.Client{
		Timeout: time.Duration(cfg.Authz.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	registry := agentreg.NewRegistry(docs)
	authority := session.NewAuthority(docs, registry, remote, sig,
		session.WithCatalog(catalog),
		session.WithPublisher(pub),
	)
	registry.SetSessionSource(authority)

	pairer := pairing.NewCoordinator(remote, registry,
		pairing.WithPollInterval(time.Duration(cfg.Pairing.PollIntervalMS)*time.Millisecond),
		pairing.WithMaxWait(time.Duration(cfg.Pairing.MaxWaitMS)*time.Millisecond),
		pairing.WithPublisher(pub),
	)

	logger.L().Info("agentvaultd starting",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("authz", cfg.Authz.BaseURL),
	)
	server := api.NewServer(cfg.Server.Address, registry, authority, pairer)
	return server.Start(ctx)
}

func openDocumentStore(ctx context.Context, cfg *config.Config) (store.DocumentStore, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "file", "":
		return store.NewFileStore(cfg.Runtime.DataDir)
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
	case "mysql":
		return store.NewSQLStore(ctx, store.SQLConfig{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, xerrUnsupported("storage driver", cfg.Storage.Driver)
	}
}

func openPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "memory", "":
		return events.NewMemoryPublisher(0), nil
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:     cfg.Events.URL,
			Queue:   cfg.Events.Queue,
			Durable: true,
		})
	default:
		return nil, xerrUnsupported("events driver", cfg.Events.Driver)
	}
}

// loadSigner reads the wallet signing key from the environment. A fresh
// key is generated when none is provided, which is only useful until the
// process restarts; production deployments must supply a key.
func loadSigner() (signer.Signer, error) {
	if hexKey := os.Getenv("AGENTVAULT_SIGNING_KEY"); hexKey != "" {
		return signer.NewLocalSigner(hexKey)
	}
	logger.L().Warn("AGENTVAULT_SIGNING_KEY not set, generating an ephemeral signing key")
	return signer.GenerateLocalSigner()
}

func xerrUnsupported(what, value string) error {
	return xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("unsupported %s %q", what, value))
}
