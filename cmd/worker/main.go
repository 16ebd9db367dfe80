package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/config"
	"github.com/JosineyJr/psp-orchestrator/internal/dispatch"
	"github.com/JosineyJr/psp-orchestrator/internal/orchestrator"
	"github.com/JosineyJr/psp-orchestrator/internal/server"
	"github.com/JosineyJr/psp-orchestrator/internal/session"
	"github.com/JosineyJr/psp-orchestrator/internal/storage"
	"github.com/JosineyJr/psp-orchestrator/internal/webhook"
	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigFastest

func init() {
	config.LoadEnv()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := config.NewLogger()

	snap, err := config.LoadSnapshot(config.CONFIG_FILE)
	if err != nil {
		logger.Fatal().Err(err).Str("file", config.CONFIG_FILE).Msg("Unable to load orchestration config")
	}
	holder := config.NewHolder(snap)

	stores, err := storage.Open(ctx, storage.Backend{
		Kind:        config.STORE_BACKEND,
		RedisURL:    config.REDIS_URL,
		DatabaseURL: config.DATABASE_URL,
		SQLitePath:  config.SQLITE_PATH,
		MaxConns:    int32(config.NUM_WORKERS),
	})
	if err != nil {
		logger.Fatal().Err(err).Str("backend", config.STORE_BACKEND).Msg("Unable to open saga store")
	}
	defer stores.Close()

	orch := orchestrator.New(holder, orchestrator.Options{
		AttemptTimeout: config.ADAPTER_TIMEOUT,
		AutoCapture:    config.AUTO_CAPTURE,
		Store:          stores.Sagas,
		Events:         stores.KV,
		Logger:         &logger,
	})

	dispatcher, err := dispatch.NewDispatcher(orch, config.NUM_WORKERS, config.QUEUE_SIZE, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Unable to create dispatcher pool")
	}
	dispatcher.Start(ctx)
	defer func() {
		stop()
		dispatcher.Close()
	}()

	if config.WEBHOOK_SECRET == "" {
		logger.Warn().Msg("WEBHOOK_SECRET is empty, every webhook will fail verification")
	}
	handler := server.NewWorker(
		orch,
		webhook.NewVerifier(config.WEBHOOK_SECRET),
		session.NewManager(stores.KV, session.DefaultTTL),
		&logger,
	)
	httpServer := server.NewHTTPServer(ctx, "worker", handler.Handle, &logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runUDPListener(gctx, dispatcher, &logger)
	})
	g.Go(func() error {
		addr := fmt.Sprintf("tcp://:%s", config.WORKER_HTTP_PORT)
		logger.Info().Str("addr", addr).Msg("Worker starting gnet HTTP server")
		return httpServer.Run(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("gnet HTTP server did not stop cleanly")
		}
		return nil
	})
	g.Go(func() error {
		var remote <-chan []byte
		if stores.Reloads != nil {
			remote = stores.Reloads.Subscribe(gctx, storage.ConfigReloadChannel)
		}
		watchReload(gctx, holder, remote, &logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Worker stopped with error")
		return
	}
	logger.Info().Msg("Worker stopped gracefully")
}

// watchReload swaps in a freshly built config snapshot on SIGHUP or when a
// reload is published on the shared Redis channel.
func watchReload(ctx context.Context, holder *config.Holder, remote <-chan []byte, logger *zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		var source string
		select {
		case <-ctx.Done():
			return
		case <-hup:
			source = "signal"
		case msg, ok := <-remote:
			if !ok {
				remote = nil
				continue
			}
			source = "pubsub:" + string(msg)
		}

		if err := holder.Reload(config.CONFIG_FILE); err != nil {
			logger.Error().Err(err).Str("file", config.CONFIG_FILE).Str("source", source).
				Msg("Config reload failed, keeping previous snapshot")
			continue
		}
		logger.Info().
			Strs("psps", holder.Current().Registry.IDs()).
			Int("rules", len(holder.Current().Rules)).
			Str("source", source).
			Msg("Config reloaded")
	}
}

func runUDPListener(ctx context.Context, dispatcher *dispatch.Dispatcher, logger *zerolog.Logger) error {
	addr, err := net.ResolveUDPAddr("udp", ":"+config.WORKER_UDP_PORT)
	if err != nil {
		return fmt.Errorf("resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("start UDP listener: %w", err)
	}
	logger.Info().Str("addr", addr.String()).Msg("Worker starting UDP listener")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("Failed to read from UDP connection")
			continue
		}

		var tx payments.Transaction
		if err := json.Unmarshal(buf[:n], &tx); err != nil {
			logger.Error().Err(err).Msg("Failed to unmarshal transaction from UDP")
			continue
		}
		if err := dispatcher.Add(tx); err != nil {
			logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("Dropping transaction")
		}
	}
}
