package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"medication-dispenser/internal/device"
)

func init() {
	cmd := &cobra.Command{
		Use:   "jog",
		Short: "Run the carousel motor for a fixed time (manual recovery)",
		RunE:  runJog,
	}

	cmd.Flags().String("dir", "", "Direction: F (forward) or B (backward) (required)")
	cmd.Flags().Int("ms", 0, "Run time in milliseconds (required)")
	cmd.Flags().Int("speed", device.DefaultSpeed, "Motor speed 0-100; omitted uses the board default")

	cmd.MarkFlagRequired("dir")
	cmd.MarkFlagRequired("ms")

	RootCmd.AddCommand(cmd)
}

func runJog(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	ms, _ := cmd.Flags().GetInt("ms")
	speed, _ := cmd.Flags().GetInt("speed")

	// Reject a bad direction before touching the port.
	line, _, err := device.JogCommand(dir, ms, speed)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}

	resp, err := dev.Jog(cmd.Context(), dir, ms, speed)
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s %s\n", line, outcome(err), respOrErr(resp, err))
	return err
}

func respOrErr(resp string, err error) string {
	if err != nil {
		return err.Error()
	}
	return resp
}
