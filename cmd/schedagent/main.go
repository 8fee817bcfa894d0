// Package main is the entry point for the schedagent CLI.
package main

import (
	"os"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
