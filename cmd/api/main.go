package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/config"
	"github.com/JosineyJr/psp-orchestrator/internal/server"
)

func main() {
	config.LoadEnv()

	logger := config.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerAddr, err := net.ResolveUDPAddr("udp", config.WORKER_UDP_ADDR)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", config.WORKER_UDP_ADDR).Msg("Failed to resolve worker address")
	}
	conn, err := net.DialUDP("udp", nil, workerAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to dial worker via UDP")
	}
	defer conn.Close()

	intake := server.NewIntake(conn, &logger)
	httpServer := server.NewHTTPServer(ctx, "api", intake.Handle, &logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("gnet HTTP server did not stop cleanly")
		}
	}()

	addr := fmt.Sprintf("tcp://:%s", config.PORT)
	logger.Info().Str("addr", addr).Msg("API starting gnet HTTP server")
	if err := httpServer.Run(addr); err != nil {
		logger.Fatal().Err(err).Msg("gnet HTTP server failed to start")
	}
}
