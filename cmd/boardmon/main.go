package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/boardmon/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.NewApp(os.Stdout, os.Stderr, os.Stdin).Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
