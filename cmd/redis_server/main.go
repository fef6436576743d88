// Package main runs an in-memory Redis for local development of txqueue.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/pflag"

	"github.com/guido-cesarano/txqueue/pkg/logger"
)

func main() {
	addr := pflag.String("addr", "127.0.0.1:6379", "Listen address of the in-memory Redis.")
	pflag.Parse()

	log := logger.Component("miniredis")

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(*addr); err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to start miniredis")
	}
	defer s.Close()

	log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	// Wait for interrupt signal to gracefully shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down MiniRedis...")
}
