package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andresmejia3/facecam/internal/store"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/spf13/cobra"
)

var resetOpts Options

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete previous recognition (registry and captured photo)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		out := cmd.OutOrStdout()
		if !resetOpts.Yes && !confirm(bufio.NewReader(cmd.InOrStdin()), out, "⚠️  Are you sure you want to delete every enrolled face?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}

		fmt.Fprintln(out, "🗑️  Clearing registry...")
		err := Store.Reset(cmd.Context())
		if errors.Is(err, store.ErrNothingToReset) {
			fmt.Fprintln(out, "ℹ️  No previous recognition to delete.")
			return nil
		}
		if err != nil {
			utils.ShowError("Failed to reset registry", err, nil)
			return err
		}
		fmt.Fprintln(out, "✨ Previous recognition deleted.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetOpts.Yes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
