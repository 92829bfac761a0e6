package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:       "step next|home",
		Short:     "Advance the carousel one stage or return it home",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), validStep),
		ValidArgs: []string{"next", "home"},
		RunE:      runStep,
	}

	RootCmd.AddCommand(cmd)
}

func validStep(cmd *cobra.Command, args []string) error {
	switch strings.ToLower(args[0]) {
	case "next", "home":
		return nil
	}
	return fmt.Errorf("step must be next or home, got %q", args[0])
}

func runStep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}

	var resp string
	label := "STEP,NEXT"
	if strings.ToLower(args[0]) == "home" {
		label = "HOME"
		resp, err = dev.Home(cmd.Context())
	} else {
		resp, err = dev.StepNext(cmd.Context())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s %s\n", label, outcome(err), respOrErr(resp, err))
	return err
}
