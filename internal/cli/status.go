package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/booking"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/config"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/storage"
)

const databaseFile = "schedagent.db"

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	return storage.Open(filepath.Join(cfg.Paths.DataDir, databaseFile))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ SchedAgent Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and booking capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		printHeader("📊 SchedAgent Status")
		fmt.Printf("Version: %s\n", version)

		configPath, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Println("API Key: ? Unable to load config")
			return nil
		}
		if cfg.Providers.OpenAI.APIKey != "" {
			fmt.Println("API Key: ✓ Found")
		} else {
			fmt.Println("API Key: ✗ Not found (set OPENAI_API_KEY)")
		}
		if cfg.Redis.URL != "" {
			fmt.Println("Redis:   ✓ Configured (distributed sweep locks)")
		} else {
			fmt.Println("Redis:   ✗ Not configured (single-process sweeps)")
		}
		if cfg.Kafka.Brokers != "" {
			fmt.Println("Kafka:   ✓ Configured (audit mirror)")
		} else {
			fmt.Println("Kafka:   ✗ Not configured")
		}
		if cfg.Slack.Token != "" && cfg.Slack.Channel != "" {
			fmt.Println("Slack:   ✓ Configured (" + cfg.Slack.Channel + ")")
		}

		dbPath := filepath.Join(cfg.Paths.DataDir, databaseFile)
		if _, err := os.Stat(dbPath); err != nil {
			fmt.Println("Data:    ✗ No database yet (run 'schedagent agent' first)")
			return nil
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return printCapacity(cmd.Context(), db)
	},
}

func printCapacity(ctx context.Context, db *sql.DB) error {
	controller, err := booking.NewController(db, booking.DefaultConfig(), nil)
	if err != nil {
		return err
	}
	records, err := controller.ListCapacity(ctx)
	if err != nil {
		return err
	}

	fmt.Println("\nBooking capacity:")
	if len(records) == 0 {
		fmt.Println("  (no active booking requests)")
		return nil
	}
	for _, rec := range records {
		state := color.GreenString("open")
		switch {
		case rec.HasConfirmedEngagement:
			state = color.RedString("confirmed")
		case rec.FrozenAt != nil:
			state = color.YellowString("frozen")
		}
		line := fmt.Sprintf("  %-20s clients=%d  %s", rec.TherapistID, rec.UniqueClientCount, state)
		if rec.AdminAlertAt != nil && !rec.AdminAlertAcknowledged {
			line += color.RedString("  [alert raised]")
		}
		fmt.Println(line)
	}

	directory := booking.NewDirectory(db)
	entries, err := directory.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		fmt.Println("\nTherapist directory:")
		for _, e := range entries {
			active := "active"
			if !e.Active {
				active = color.New(color.Faint).Sprint("inactive")
			}
			fmt.Printf("  %-20s %-30s %s\n", e.ID, e.Email, active)
		}
	}
	return nil
}
