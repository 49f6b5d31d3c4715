// Package history implements the tuxagent history subcommand, listing recent
// sync cycles from the local journal.
package history

import (
	"fmt"
	"time"

	"tuxagent/internal/journal"
	"tuxagent/pkg/config"
	"tuxagent/pkg/logger"
)

const defaultShow = 20

// Run prints the most recent sync records, newest first.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init("warn")
	jrnl, err := journal.Open(cfg.Journal.DBPath, cfg.Journal.Keep, log)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jrnl.Close()

	records, err := jrnl.Recent(defaultShow)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No sync history recorded yet.")
		return nil
	}

	fmt.Printf("%-20s  %-12s  %-9s  %-5s  %s\n", "STARTED", "SYNC ID", "ELAPSED", "DISK", "RESULT")
	for _, rec := range records {
		result := "ok"
		if !rec.OK {
			result = rec.Error
		}
		diskFlag := "-"
		if rec.DiskReported {
			diskFlag = "yes"
		}
		fmt.Printf("%-20s  %-12s  %-9s  %-5s  %s\n",
			rec.Started.Format(time.DateTime),
			rec.SyncID,
			rec.Duration.Round(time.Millisecond),
			diskFlag,
			result,
		)
	}
	return nil
}
