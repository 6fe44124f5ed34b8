package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"telecare-backend/internal/service/device"
	"telecare-backend/internal/service/permission"
)

var flagSelftestTimeout time.Duration

var selftestCmd = &cobra.Command{
	Use:   "selftest [camera|microphone|screen]...",
	Short: "Acquire and release capture devices and report what is wrong",
	Long: `Acquire and immediately release each capture device, printing a
classified result and guidance for every failure. With no arguments the
camera and microphone are tested.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := make([]device.Kind, 0, len(args))
		for _, arg := range args {
			kind, err := device.ParseKind(arg)
			if err != nil {
				return err
			}
			kinds = append(kinds, kind)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), flagSelftestTimeout)
		defer cancel()

		results := permission.SelfTest(ctx, device.NewHardwareSource(), kinds...)
		failed := 0
		for _, res := range results {
			switch {
			case res.OK && res.ReleaseError != "":
				fmt.Fprintf(cmd.OutOrStdout(), "%-11s ok (release: %s)\n", res.Kind, res.ReleaseError)
			case res.OK:
				fmt.Fprintf(cmd.OutOrStdout(), "%-11s ok\n", res.Kind)
			default:
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%-11s %s\n            %s\n",
					res.Kind, res.Classification.Kind, res.Classification.Guidance)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d devices failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	selftestCmd.Flags().DurationVar(&flagSelftestTimeout, "timeout", 15*time.Second, "overall time limit")
}
