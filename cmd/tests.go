package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"camprobe/internal/catalog"
)

type testEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Timeout     string `json:"timeout"`
	Lease       string `json:"lease"`
}

var testsCmd = &cobra.Command{
	Use:   "tests",
	Short: "テストカタログを表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		defs := catalog.Default(catalogOptions(cfg)).Definitions()
		entries := make([]testEntry, len(defs))
		for i, d := range defs {
			entries[i] = testEntry{
				ID:          d.ID,
				Name:        d.Name,
				Description: d.Description,
				Timeout:     d.Timeout.String(),
				Lease:       d.Lease.String(),
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, entries)
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTIMEOUT\tLEASE")
		fmt.Fprintln(w, "--\t----\t-------\t-----")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Timeout, e.Lease)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(testsCmd)
}
