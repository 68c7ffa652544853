// Command airwayseg-gui is the desktop front-end of the airway segmentation
// workflow.
package main

import (
	"fmt"
	"os"

	"fyne.io/fyne/v2/app"

	"airwayseg/internal/gui"
	"airwayseg/internal/ledger"
	"airwayseg/internal/logging"
	"airwayseg/pkg/config"
	"airwayseg/pkg/pipeline"
)

const AppID = "org.airwayseg.gui"

func main() {
	configPath := os.Getenv("AIRWAYSEG_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})

	var rec pipeline.Recorder
	if cfg.Ledger.Enabled {
		if dir, err := cfg.LedgerDir(); err != nil {
			logger.Warn().Err(err).Msg("Ledger disabled")
		} else if l, err := ledger.Open(dir); err != nil {
			logger.Warn().Err(err).Msg("Ledger disabled")
		} else {
			defer l.Close()
			rec = l
		}
	}

	gui.New(app.NewWithID(AppID), cfg, logger, rec).Run()
}
