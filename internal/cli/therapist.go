package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/booking"
	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/config"
)

var (
	therapistName  string
	therapistEmail string
)

var therapistCmd = &cobra.Command{
	Use:   "therapist",
	Short: "Manage the therapist directory",
}

var therapistAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or update a therapist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if therapistEmail == "" {
			return fmt.Errorf("--email is required")
		}
		return withDirectory(func(d *booking.Directory) error {
			err := d.Upsert(cmd.Context(), booking.Therapist{
				ID:     args[0],
				Name:   therapistName,
				Email:  therapistEmail,
				Active: true,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Therapist %s registered\n", args[0])
			return nil
		})
	},
}

var therapistDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Stop routing new enquiries to a therapist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDirectory(func(d *booking.Directory) error {
			if err := d.SetActive(cmd.Context(), args[0], false); err != nil {
				return err
			}
			fmt.Printf("Therapist %s deactivated\n", args[0])
			return nil
		})
	},
}

var therapistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered therapists",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDirectory(func(d *booking.Directory) error {
			entries, err := d.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No therapists registered")
				return nil
			}
			for _, e := range entries {
				state := "open"
				if e.Frozen {
					state = "frozen"
				}
				if !e.Active {
					state = "inactive"
				}
				fmt.Printf("%-20s %-30s %s\n", e.ID, e.Email, state)
			}
			return nil
		})
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage capacity alerts",
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <therapist-id>",
	Short: "Acknowledge a raised capacity alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		controller, err := booking.NewController(db, cfg.Booking.Config, nil)
		if err != nil {
			return err
		}
		if err := controller.AcknowledgeAlert(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Alert for %s acknowledged\n", args[0])
		return nil
	},
}

func withDirectory(fn func(*booking.Directory) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	// The directory table lives in the booking schema; applying it here
	// lets 'therapist add' run before the agent ever has.
	if _, err := booking.NewController(db, cfg.Booking.Config, nil); err != nil {
		return err
	}
	return fn(booking.NewDirectory(db))
}

func init() {
	therapistAddCmd.Flags().StringVar(&therapistName, "name", "", "Display name")
	therapistAddCmd.Flags().StringVar(&therapistEmail, "email", "", "Contact email")
	therapistCmd.AddCommand(therapistAddCmd)
	therapistCmd.AddCommand(therapistDeactivateCmd)
	therapistCmd.AddCommand(therapistListCmd)
	alertsCmd.AddCommand(alertsAckCmd)
}
