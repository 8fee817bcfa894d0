package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"  ____       _              _    _                    _\n" +
		" / ___|  ___| |__   ___  __| |  / \\   __ _  ___ _ __ | |_\n" +
		" \\___ \\ / __| '_ \\ / _ \\/ _` | / _ \\ / _` |/ _ \\ '_ \\| __|\n" +
		"  ___) | (__| | | |  __/ (_| |/ ___ \\ (_| |  __/ | | | |_\n" +
		" |____/ \\___|_| |_|\\___|\\__,_/_/   \\_\\__, |\\___|_| |_|\\__|\n" +
		"                                     |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "schedagent",
	Short: "SchedAgent - Email scheduling agent for therapy practices",
	Long:  color.CyanString(logo) + "\nAn LLM-driven email agent that books therapy sessions between clients and therapists.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(therapistCmd)
	rootCmd.AddCommand(alertsCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
