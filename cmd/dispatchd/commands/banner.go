package commands

import (
	"github.com/pterm/pterm"

	"github.com/brighthome/dispatch/logger"
	"github.com/brighthome/dispatch/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, dbPath, metricsAddr string) {
	info := version.Get()

	pterm.DefaultBox.
		WithTitle("dispatchd").
		WithTitleTopCenter().
		Println("Booking dispatch and cleaner allocation daemon")

	pterm.Info.Printf("Version:   %s (commit %s)\n", info.Version, info.Short())
	pterm.Info.Printf("Built:     %s\n", info.BuildTime)
	pterm.Info.Printf("Verbosity: %s\n", logger.LevelName(verbosity))
	pterm.Info.Printf("Database:  %s\n", dbPath)
	if metricsAddr != "" {
		pterm.Info.Printf("Metrics:   http://%s/metrics\n", metricsAddr)
	}
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
