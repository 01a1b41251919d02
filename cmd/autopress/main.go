package main

import (
	"os"

	logx "autopress/pkg/logx"
)

func main() {
	if err := Execute(); err != nil {
		// Config may not have loaded, so report through a standalone logger.
		logx.NewConsole("info").Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}
