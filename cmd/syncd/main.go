// Package main is the entry point for the catalog sync daemon and CLI.
package main

import (
	"os"

	"github.com/timmy/catalogsync/cmd/syncd/app"
	"github.com/timmy/catalogsync/internal/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.GetDefault().WithError(err).Error("Command failed")
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}
