package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the 'health' command.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show backend health: queue depth and GPU utilisation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newAPIClient(cfg)
			if err != nil {
				return err
			}

			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}

			redis := "ok"
			if !health.Redis {
				redis = "DOWN"
			}
			fmt.Printf("Backend:      %s\n", client.BaseURL())
			fmt.Printf("Redis:        %s\n", redis)
			fmt.Printf("Queue length: %d\n", health.QueueLength)
			fmt.Printf("GPUs:         %d\n", health.GPUCount)
			for _, gpu := range health.GPUUsage {
				fmt.Printf("  gpu %d: %3d%% util, %d/%d MiB\n",
					gpu.GPU, gpu.Util, gpu.MemUsed, gpu.MemTotal)
			}
			return nil
		},
	}
}
