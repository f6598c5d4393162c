package main

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

// healthCmd probes a running gateway, for deploy checks and cron
// monitors. Exit status 0 means the gateway answered 200 on /health.
func healthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		worker  bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := resty.New().SetBaseURL(addr).SetTimeout(timeout)

			path := "/health"
			if worker {
				path = "/health/ai-worker"
			}
			resp, err := client.R().SetContext(cmd.Context()).Get(path)
			if err != nil {
				return fmt.Errorf("gateway unreachable: %w", err)
			}
			fmt.Println(resp.String())
			if resp.StatusCode() != 200 {
				return fmt.Errorf("gateway unhealthy: status %d", resp.StatusCode())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "Gateway base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Probe timeout")
	cmd.Flags().BoolVar(&worker, "ai-worker", false, "Probe the ML worker subsystem instead")
	return cmd
}
