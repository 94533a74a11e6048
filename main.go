package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmolnar/smsbridge/auth"
	"github.com/tmolnar/smsbridge/config"
	"github.com/tmolnar/smsbridge/fcm"
	"github.com/tmolnar/smsbridge/registry"
	"github.com/tmolnar/smsbridge/server"
	"github.com/tmolnar/smsbridge/supervisor"
	"github.com/tmolnar/smsbridge/wake"
	"github.com/tmolnar/smsbridge/web"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	setupLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Bridge exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Config) error {
	devices, closeStore, err := openRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer closeStore()

	// The Firebase client is only needed when real authentication or the
	// wake bridge is in play.
	var firebaseClient *fcm.Client
	if cfg.Auth.EnforceAuthentication || cfg.Wake.Enabled {
		firebaseClient, err = fcm.New(ctx, cfg.Auth.CredentialsFile)
		if err != nil {
			return fmt.Errorf("initializing firebase: %w", err)
		}
	}

	var verifier auth.TokenVerifier
	var authenticator auth.Authenticator
	if cfg.Auth.EnforceAuthentication {
		verifier = firebaseClient
		authenticator = auth.NewTokenAuthenticator(verifier, devices, cfg.AuthTimeout())
	} else {
		slog.Warn("Authentication is NOT enforced; all connections are accepted")
		verifier = auth.StaticVerifier{UserID: cfg.Auth.DevUserID}
		authenticator = auth.AllowAllAuthenticator{}
	}

	var authorizer auth.Authorizer
	if cfg.Auth.EnforceAuthorization {
		authorizer = auth.NewOwnerAuthorizer(devices, cfg.AuthTimeout())
	} else {
		slog.Warn("Authorization is NOT enforced; all operations are granted")
		authorizer = auth.GrantAllAuthorizer{}
	}

	var mcpServer *server.MCPServer
	if cfg.MCP.Enabled {
		mcpServer = server.NewMCPServer(devices)
	}

	coordinator := server.NewCoordinator(server.Options{
		Registry:           devices,
		Authenticator:      authenticator,
		Authorizer:         authorizer,
		MCPServer:          mcpServer,
		AuthTimeout:        cfg.AuthTimeout(),
		RedeliveryInterval: time.Duration(cfg.Broker.RedeliveryInterval) * time.Second,
		RedeliveryAttempts: cfg.Broker.RedeliveryAttempts,
	})

	coordinator.RegisterTransport(server.NewWSTransport(cfg.Broker.WSAddr, cfg.Broker.MaxClients, cfg.IdleTimeout()))
	if cfg.Broker.TCPAddr != "" {
		coordinator.RegisterTransport(server.NewTCPTransport(cfg.Broker.TCPAddr, cfg.Broker.MaxClients, cfg.IdleTimeout()))
	}

	if cfg.Wake.Enabled {
		notifiers := map[registry.DeviceType]wake.Notifier{
			registry.DeviceTypeAndroidPhone: firebaseClient,
		}
		bridge := wake.NewBridge(wake.Options{
			Devices:       devices,
			Presence:      coordinator,
			Notifiers:     notifiers,
			NotifyTimeout: cfg.WakeTimeout(),
		})
		coordinator.Broker().OnPublish(bridge.ObservePublish)
	}

	api := web.NewServer(cfg.API.Addr, devices, verifier, coordinator)

	if cfg.Discovery.Enabled {
		advertiser, err := server.NewAdvertiser(cfg.Discovery.Instance, coordinator.Transports())
		if err != nil {
			slog.Warn("mDNS advertisement disabled", "error", err.Error())
		} else {
			defer advertiser.Close()
		}
	}

	// Broker + API run as one supervised worker: a crash in either tears
	// the worker down and the supervisor respawns it, up to the budget.
	return supervisor.Run(ctx, "broker", cfg.Supervisor.MaxRestarts, func(ctx context.Context) error {
		workerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		errCh := make(chan error, 2)
		go func() {
			errCh <- coordinator.Start(workerCtx)
		}()
		go func() {
			if err := api.Start(); err != nil {
				errCh <- fmt.Errorf("http api: %w", err)
			}
		}()

		defer api.Shutdown()

		select {
		case <-workerCtx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	})
}

func openRegistry(cfg config.RegistryConfig) (registry.Store, func(), error) {
	if cfg.Backend == "memory" {
		return registry.NewMemoryStore(), func() {}, nil
	}
	store, err := registry.OpenSQLite(registry.SQLiteConfig{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: time.Duration(cfg.BusyTimeout) * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening device registry: %w", err)
	}
	return store, func() { store.Close() }, nil
}
