package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facecam/internal/capture"
	"github.com/andresmejia3/facecam/internal/display"
	"github.com/andresmejia3/facecam/internal/matcher"
	"github.com/andresmejia3/facecam/internal/overlay"
	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/spf13/cobra"
)

var identifyOpts Options

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Identify every face in a photo against the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateImagePath(args[0]); err != nil {
			return err
		}
		return runIdentify(cmd.Context(), cmd.OutOrStdout(), args[0], identifyOpts)
	},
}

func init() {
	identifyCmd.Flags().StringVarP(&identifyOpts.Output, "output", "o", "", "Write an annotated copy of the photo to this path")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, out io.Writer, imagePath string, opts Options) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	p, err := newPipeline(ctx, Cfg, Store)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	dets, err := p.engine.Extract(ctx, imgData)
	if err != nil {
		utils.ShowError("AI processing failed", err, nil)
		return err
	}
	if len(dets) == 0 {
		fmt.Fprintln(out, "❌ No faces detected in the provided image.")
		return nil
	}

	reg := p.controller.Registry()
	results := matcher.ClassifyAll(dets, reg, Cfg.Threshold)
	printMatches(out, dets, results)

	if opts.Output != "" {
		frame, err := capture.Decode(imgData, 0)
		if err != nil {
			return err
		}
		// Boxes are already in photo coordinates
		r := overlay.New(1, display.NewFileSink(opts.Output, 0))
		if err := r.Render(frame.Image, matcher.Label(dets, results)); err != nil {
			utils.ShowError("Failed to write annotated image", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🖼️  Annotated photo written to %s\n", opts.Output)
	}
	return nil
}

func printMatches(out io.Writer, dets []types.Detection, results []types.MatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX (T,R,B,L)\tNAME\tDISTANCE")
	fmt.Fprintln(w, "----\t-------------\t----\t--------")
	for i, res := range results {
		b := dets[i].Box
		dist := "-"
		if !math.IsInf(res.Distance, 1) {
			dist = fmt.Sprintf("%.3f", res.Distance)
		}
		fmt.Fprintf(w, "%d\t%d,%d,%d,%d\t%s\t%s\n", i+1, b.Top, b.Right, b.Bottom, b.Left, res.Name, dist)
	}
	w.Flush()
}
