package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/liveness"
	"github.com/andresmejia3/livekyc/internal/utils"
	"github.com/andresmejia3/livekyc/internal/video"
)

var scoreOpts Options

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a clip for liveness without enrolling it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScore(cmd.Context(), scoreOpts)
	},
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreOpts.InputPath, "input", "i", "", "Path to video")
	scoreCmd.Flags().StringVarP(&scoreOpts.SaveBest, "save-best", "o", "", "Write the best frame to this JPEG path")
	scoreCmd.Flags().BoolVar(&scoreOpts.StopEarly, "stop-early", false, "Stop reading once a blink and an open-eye frame were seen")

	scoreCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scoreCmd)
}

// validateInputFile checks that path names a readable regular file.
func validateInputFile(path string) error {
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
		err := fmt.Errorf("%s is a directory", path)
		utils.ShowError("Input path is a directory, expected a file", err, nil)
		return err
	}
	return nil
}

// runScore decodes the clip, streams it through the landmark engine and
// prints the verdict.
func runScore(ctx context.Context, opts Options) error {
	if err := validateInputFile(opts.InputPath); err != nil {
		return err
	}

	// A single clip is scored sequentially, one engine is enough.
	App.cfg.Engines = 1
	if opts.StopEarly {
		App.cfg.StopWhenSatisfied = true
	}

	totalVideoFrames := video.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner if ffprobe fails
		totalVideoFrames = -1
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Scoring liveness"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	fmt.Fprintln(os.Stderr, "🚀 Starting landmark engine...")
	scorer, err := App.Scorer(liveness.WithFrameObserver(func(video.Frame) {
		bar.Add(1)
	}))
	if err != nil {
		utils.ShowError("Failed to start landmark engine", err, nil)
		return err
	}

	stream, err := App.Source().Open(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to open video", err, nil)
		return err
	}
	defer stream.Close()

	verdict, err := scorer.Score(ctx, stream)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		utils.ShowError("Liveness scoring failed", err, nil)
		return err
	}

	printVerdict(verdict)

	if opts.SaveBest != "" {
		if verdict.BestFrame == nil {
			return errors.New("no open-eye frame to save")
		}
		if err := os.WriteFile(opts.SaveBest, verdict.BestFrame.Data, 0o644); err != nil {
			utils.ShowError("Failed to write best frame", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Best frame written to %s\n", opts.SaveBest)
	}
	return nil
}

func printVerdict(v *liveness.Verdict) {
	best := "-"
	if v.BestFrame != nil {
		best = fmt.Sprintf("%d", v.BestFrame.Index)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "LIVE\tBLINKS\tGLARE\tFRAMES\tCANDIDATES\tBEST FRAME")
	fmt.Fprintln(w, "----\t------\t-----\t------\t----------\t----------")
	fmt.Fprintf(w, "%t\t%d\t%t\t%d\t%d\t%s\n", v.IsLive, v.Blinks, v.GlareDetected, v.FramesRead, len(v.Candidates), best)
	w.Flush()

	switch {
	case v.GlareDetected:
		fmt.Println("⚠️  Glare detected, the clip would be rejected.")
	case v.IsLive:
		fmt.Println("✅ Live subject.")
	default:
		fmt.Println("❌ No live subject detected.")
	}
}
