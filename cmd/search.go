package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/utils"
)

var searchOpts Options

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the identity registry for faces matching an image",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSearch(cmd.Context(), searchOpts)
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchOpts.InputPath, "input", "i", "", "Path to the probe image")
	searchCmd.Flags().Float64VarP(&searchOpts.MatchThreshold, "threshold", "t", 80, "Minimum similarity percentage")
	searchCmd.Flags().IntVarP(&searchOpts.MaxFaces, "max-faces", "m", 5, "Maximum number of matches to return")

	searchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(ctx context.Context, opts Options) error {
	if err := validateInputFile(opts.InputPath); err != nil {
		return err
	}
	if opts.MatchThreshold <= 0 || opts.MatchThreshold > 100 {
		err := fmt.Errorf("must be in (0, 100], got %v", opts.MatchThreshold)
		utils.ShowError("Invalid match threshold", err, nil)
		return err
	}
	if opts.MaxFaces < 1 {
		opts.MaxFaces = 1
	}

	imgData, err := os.ReadFile(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Connecting to the identity registry...")
	vis, err := App.Vision(ctx)
	if err != nil {
		utils.ShowError("Failed to initialize the identity registry", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := vis.detector.DetectFaces(ctx, imgData)
	if err != nil {
		utils.ShowError("Face detection failed", err, nil)
		return err
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Rekognition searches the largest one, the local registry rejects the image.\n", len(faces))
	}

	fmt.Fprintln(os.Stderr, "🗄️  Searching registry...")
	matches, err := vis.registry.SearchFaceMatches(ctx, imgData, opts.MaxFaces, opts.MatchThreshold)
	if err != nil {
		utils.ShowError("Registry search failed", err, nil)
		return err
	}
	if len(matches) == 0 {
		fmt.Println("❌ No match found in the registry.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE ID\tSIMILARITY")
	fmt.Fprintln(w, "-------\t----------")
	for _, m := range matches {
		fmt.Fprintf(w, "%s\t%.2f%%\n", m.FaceID, m.Similarity)
	}
	w.Flush()
	return nil
}
