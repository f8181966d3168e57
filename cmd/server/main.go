package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config := server.NewConfigFromEnv().Sanitize()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).
		Level(config.LogLevel).
		With().Timestamp().Logger()
	log.Info().Msg("Starting chat relay...")

	gin.SetMode(gin.ReleaseMode)

	registry := server.NewRegistry(log)
	relay := server.NewRelay(config, registry, log)
	router := server.SetupRoutes(relay, config, log)
	httpServer := server.CreateServer(config.Port, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, log)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	case sig := <-signals:
		log.Info().Stringer("signal", sig).Msg("Shutdown requested")
	}

	// Hijacked WebSocket connections are not tracked by the HTTP server, so
	// the relay drains them separately once the listener is closed.
	_ = server.ShutdownServer(httpServer, shutdownTimeout, log)
	if err := relay.Shutdown(shutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("Relay did not shut down cleanly")
	}
}
