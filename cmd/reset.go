package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/utils"
)

var (
	resetRecords  bool
	resetRegistry bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (identity records, local face registry)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetRecords && !resetRegistry {
			resetRecords = true
			resetRegistry = true
		}
		return runReset(cmd.Context(), bufio.NewReader(os.Stdin), os.Stdout)
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetRecords, "records", false, "Clear identity records and account verifications")
	resetCmd.Flags().BoolVar(&resetRegistry, "registry", false, "Clear the local pgvector face registry")
	rootCmd.AddCommand(resetCmd)
}

func runReset(ctx context.Context, in *bufio.Reader, out io.Writer) error {
	if resetRecords && confirm(in, out, "⚠️  Are you sure you want to DROP all identity records and account verifications?") {
		fmt.Fprintln(out, "🗑️  Clearing identity records...")
		recs, err := App.Records(ctx)
		if err != nil {
			utils.ShowError("Failed to connect to the record store", err, nil)
			return err
		}
		if err := recs.Reset(ctx); err != nil {
			utils.ShowError("Failed to reset identity records", err, nil)
			return err
		}
	}

	if resetRegistry {
		if App.cfg.VisionBackend != "local" {
			fmt.Fprintf(out, "ℹ️  The %s collection is managed by Rekognition and was left untouched.\n", App.cfg.CollectionID)
		} else if confirm(in, out, "⚠️  Are you sure you want to DROP the local face registry?") {
			fmt.Fprintln(out, "🗑️  Clearing face registry...")
			pg, err := App.postgres(ctx)
			if err != nil {
				utils.ShowError("Failed to connect to database", err, nil)
				return err
			}
			if err := pg.ResetRegistry(ctx); err != nil {
				utils.ShowError("Failed to reset face registry", err, nil)
				return err
			}
		}
	}

	fmt.Fprintln(out, "✨ System Reset Complete.")
	return nil
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
