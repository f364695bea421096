package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/doctor"
	"github.com/basket/go-fleet/internal/scm"
)

func runDoctorCommand(ctx context.Context, cfg config.Config, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	diag := doctor.Doctor{Runner: scm.ExecRunner{Dir: cfg.Lifecycle.RepoDir}}.Run(ctx, &cfg, Version)

	if jsonOutput {
		if err := writeJSON(os.Stdout, diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("fleetd doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Println("---")
		for _, res := range diag.Results {
			fmt.Printf("[%s] %-15s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Printf("       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
