package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/andresmejia3/facecam/internal/capture"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/spf13/cobra"
)

var captureOpts Options

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Take a photo with the camera and enroll it",
	Long:  "Grabs one frame from the camera into <data-dir>/test.jpg and enrolls the face in it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCapture(cmd, captureOpts)
	},
}

func init() {
	captureCmd.Flags().StringVarP(&captureOpts.Name, "name", "n", "", "Name to register (prompted when missing)")
	captureCmd.Flags().StringVar(&captureOpts.SourceDir, "source-dir", "", "Take the photo from a directory of images instead of the camera")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, opts Options) error {
	ctx := cmd.Context()

	fmt.Fprintln(os.Stderr, "📷 Opening camera...")
	src, closer, err := openSource(ctx, Cfg, opts.SourceDir, false)
	if err != nil {
		utils.ShowError("Camera unavailable", err, nil)
		return err
	}
	data, err := capture.Still(ctx, src, Cfg.Loop.ReadTimeout)
	closer.Close()
	if err != nil {
		utils.ShowError("Failed to capture a frame", err, nil)
		return err
	}

	path, err := Store.WriteStill(data)
	if err != nil {
		utils.ShowError("Failed to save the photo", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "💾 Saved photo to %s\n", path)

	name := opts.Name
	if !cmd.Flags().Changed("name") {
		name = promptName(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout())
	}

	p, err := newPipeline(ctx, Cfg, Store)
	if err != nil {
		return err
	}
	defer p.Close()

	out, err := p.controller.Enroll(ctx, data, name)
	if err != nil {
		return explainEnrollError(err)
	}
	printOutcome(cmd.OutOrStdout(), out)
	return nil
}
