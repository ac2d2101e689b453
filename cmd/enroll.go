package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/spf13/cobra"
)

var enrollOpts Options

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Add a face to the registry from a photo",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateImagePath(enrollOpts.ImagePath); err != nil {
			return err
		}
		return runEnroll(cmd, enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.ImagePath, "image", "i", "", "Path to a photo of the person")
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Name to register (prompted when missing)")
	enrollCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, opts Options) error {
	ctx := cmd.Context()
	imgData, err := os.ReadFile(opts.ImagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	name := opts.Name
	if !cmd.Flags().Changed("name") {
		name = promptName(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout())
	}

	p, err := newPipeline(ctx, Cfg, Store)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	out, err := p.controller.Enroll(ctx, imgData, name)
	if err != nil {
		return explainEnrollError(err)
	}
	printOutcome(cmd.OutOrStdout(), out)
	return nil
}

// validateImagePath checks the input before any engine is started.
func validateImagePath(path string) error {
	if path == "" {
		err := fmt.Errorf("no image given")
		utils.ShowError("Missing --image", err, nil)
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected an image file", err, nil)
		return err
	}
	return nil
}
