// Command groupmq inspects and operates group-ordered job queues stored in
// Redis or PostgreSQL.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"goa.design/clue/log"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Errorf(ctx, err, "failed to load .env file")
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
