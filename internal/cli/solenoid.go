package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errSolenoidFailed = errors.New("one or more solenoid tests failed")

func init() {
	cmd := &cobra.Command{
		Use:   "solenoid",
		Short: "Pulse slot solenoids to check wiring",
		Example: `  dispenserd solenoid --slot 1 --type L   # loading solenoid of slot 1
  dispenserd solenoid --slot 3 --type B   # both solenoids of slot 3
  dispenserd solenoid --all               # every slot, both solenoids`,
		RunE: runSolenoid,
	}

	cmd.Flags().Int("slot", 0, "Slot 1-3")
	cmd.Flags().String("type", "B", "L (loading), D (dispensing) or B (both)")
	cmd.Flags().Bool("all", false, "Test every slot with type B")
	cmd.Flags().Int("repeat", 1, "Pulse each solenoid this many times")

	cmd.MarkFlagsMutuallyExclusive("slot", "all")
	cmd.MarkFlagsOneRequired("slot", "all")

	RootCmd.AddCommand(cmd)
}

type solenoidTest struct {
	slot int
	kind string
}

func runSolenoid(cmd *cobra.Command, args []string) error {
	slot, _ := cmd.Flags().GetInt("slot")
	kind, _ := cmd.Flags().GetString("type")
	all, _ := cmd.Flags().GetBool("all")
	repeat, _ := cmd.Flags().GetInt("repeat")
	if repeat < 1 {
		repeat = 1
	}

	tests := []solenoidTest{{slot: slot, kind: kind}}
	if all {
		tests = []solenoidTest{{1, "B"}, {2, "B"}, {3, "B"}}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	failed := 0
	first := true
	for _, tc := range tests {
		for i := 0; i < repeat; i++ {
			if !first {
				if err := pause(ctx, solenoidGap); err != nil {
					return err
				}
			}
			first = false

			resp, err := dev.TestSolenoid(ctx, tc.slot, tc.kind)
			fmt.Fprintf(out, "slot %d %s [%d/%d] -> %s %s\n", tc.slot, tc.kind, i+1, repeat, outcome(err), respOrErr(resp, err))
			if err != nil {
				failed++
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w (%d of %d)", errSolenoidFailed, failed, len(tests)*repeat)
	}
	return nil
}
