package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"casccdn/cmd/casc/commands"

	"github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx); err != nil {
		logrus.Fatal(err)
	}
}
