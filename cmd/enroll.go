package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/enrollment"
	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/records"
	"github.com/andresmejia3/livekyc/internal/utils"
)

var enrollOpts Options

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Verify and enroll a selfie or a liveness clip for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.InputPath, "input", "i", "", "Path to a selfie (.jpg, .jpeg, .png) or a video clip")
	enrollCmd.Flags().StringVar(&enrollOpts.OwnerID, "owner", "", "Owner (account) ID")

	enrollCmd.MarkFlagRequired("input")
	enrollCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(enrollCmd)
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// submissionFor builds a submission from a file on disk. Stills are read
// into memory; anything else is treated as a clip and streamed. The
// returned close func must always be called.
func submissionFor(path string) (enrollment.Submission, func(), error) {
	if imageExts[strings.ToLower(filepath.Ext(path))] {
		data, err := os.ReadFile(path)
		if err != nil {
			return enrollment.Submission{}, func() {}, err
		}
		return enrollment.Submission{Image: data}, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return enrollment.Submission{}, func() {}, err
	}
	return enrollment.Submission{Video: f}, func() { f.Close() }, nil
}

func runEnroll(ctx context.Context, opts Options) error {
	if err := validateInputFile(opts.InputPath); err != nil {
		return err
	}

	svc, err := App.Service(ctx)
	if err != nil {
		utils.ShowError("Failed to initialize enrollment service", err, nil)
		return err
	}

	sub, closeInput, err := submissionFor(opts.InputPath)
	defer closeInput()
	if err != nil {
		utils.ShowError("Failed to read input", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "🔍 Verifying %s for owner %s...\n", filepath.Base(opts.InputPath), opts.OwnerID)
	res, err := svc.SubmitEnrollment(ctx, opts.OwnerID, sub)
	if err != nil {
		reportFailure(err)
		return err
	}

	fmt.Println("✅ Enrollment complete.")
	printRecords([]records.Record{*res.Record})
	return nil
}

// reportFailure prints the stable code and user message for kinded errors,
// and the raw error box otherwise.
func reportFailure(err error) {
	kind := kycerr.KindOf(err)
	if kind == "" {
		utils.ShowError("Enrollment failed", err, nil)
		return
	}
	retry := ""
	switch {
	case kind.Retryable():
		retry = " (retryable)"
	case kind.NeedsResubmission():
		retry = " (record again)"
	}
	fmt.Fprintf(os.Stderr, "❌ %s: %s%s\n", kind, kind.Message(), retry)
}

func printRecords(recs []records.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "OWNER\tVERIFIED\tFACE ID\tIMAGE URL\tUPDATED")
	fmt.Fprintln(w, "-----\t--------\t-------\t---------\t-------")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", r.OwnerID, r.Verified, r.FaceID, r.ImageURL, r.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
