package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		reg, err := Store.Load(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to load registry", err, nil)
			return err
		}
		printIdentities(cmd.OutOrStdout(), reg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func printIdentities(out io.Writer, reg *types.Registry) {
	identities := reg.Identities()
	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities enrolled.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tENCODINGS")
	fmt.Fprintln(w, "----\t---------")
	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%d\n", id.Name, id.Count)
	}
	w.Flush()
}
