package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "接続されているカメラを一覧表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		devices, err := a.discovery.ScanDevices(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, devices)
		}
		if len(devices) == 0 {
			fmt.Fprintln(out, "カメラが見つかりません")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "INDEX\tPATH\tNAME\tFORMATS\tRESOLUTIONS")
		fmt.Fprintln(w, "-----\t----\t----\t-------\t-----------")
		for _, d := range devices {
			res := make([]string, len(d.Resolutions))
			for i, r := range d.Resolutions {
				res[i] = r.String()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", d.Index, d.Path, d.Name, strings.Join(d.Formats, ","), strings.Join(res, ","))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
