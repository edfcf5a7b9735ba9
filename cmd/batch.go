package cmd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/kycerr"
	"github.com/andresmejia3/livekyc/internal/records"
	"github.com/andresmejia3/livekyc/internal/utils"
)

var batchOpts Options

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Enroll every owner,path row of a CSV manifest with parallel engines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runBatch(cmd.Context(), batchOpts)
	},
}

func init() {
	batchCmd.Flags().StringVarP(&batchOpts.InputPath, "input", "i", "", "Path to the CSV manifest (owner_id,path)")
	batchCmd.Flags().IntVarP(&batchOpts.NumEngines, "engines", "e", 2, "Number of parallel enrollments")

	batchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(batchCmd)
}

// batchItem is one manifest row.
type batchItem struct {
	Line    int
	OwnerID string
	Path    string
}

type batchResult struct {
	Item   batchItem
	Record *records.Record
	Err    error
}

// readManifest parses owner_id,path rows. A header row is skipped when its
// first column is "owner_id".
func readManifest(r io.Reader) ([]batchItem, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var items []batchItem
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid manifest: %w", err)
		}
		line, _ := reader.FieldPos(0)
		owner, path := strings.TrimSpace(row[0]), strings.TrimSpace(row[1])
		if len(items) == 0 && strings.EqualFold(owner, "owner_id") {
			continue
		}
		if owner == "" || path == "" {
			return nil, fmt.Errorf("invalid manifest: line %d needs an owner and a path", line)
		}
		items = append(items, batchItem{Line: line, OwnerID: owner, Path: path})
	}
	if len(items) == 0 {
		return nil, errors.New("manifest has no rows")
	}
	return items, nil
}

type submitFunc func(ctx context.Context, item batchItem) (*records.Record, error)

// processBatch runs submit over items with at most engines in flight and
// returns results in manifest order. Rows never dispatched because ctx was
// cancelled carry the context error.
func processBatch(ctx context.Context, items []batchItem, engines int, submit submitFunc, onDone func()) []batchResult {
	if engines < 1 {
		engines = 1
	}
	results := make([]batchResult, len(items))
	for i, item := range items {
		results[i].Item = item
	}

	tasks := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < engines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				rec, err := submit(ctx, items[idx])
				results[idx].Record, results[idx].Err = rec, err
				if onDone != nil {
					onDone()
				}
			}
		}()
	}

	sent := 0
dispatch:
	for ; sent < len(items); sent++ {
		select {
		case tasks <- sent:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(tasks)
	wg.Wait()

	for i := sent; i < len(items); i++ {
		results[i].Err = ctx.Err()
	}
	return results
}

func runBatch(ctx context.Context, opts Options) error {
	if err := validateInputFile(opts.InputPath); err != nil {
		return err
	}
	f, err := os.Open(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to open manifest", err, nil)
		return err
	}
	items, err := readManifest(f)
	f.Close()
	if err != nil {
		utils.ShowError("Failed to read manifest", err, nil)
		return err
	}

	// One landmark engine per concurrent enrollment
	App.cfg.Engines = opts.NumEngines
	svc, err := App.Service(ctx)
	if err != nil {
		utils.ShowError("Failed to initialize enrollment service", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "⚙️  Enrolling %d rows with %d engines...\n", len(items), opts.NumEngines)
	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetDescription("🪪 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	results := processBatch(ctx, items, opts.NumEngines, func(ctx context.Context, item batchItem) (*records.Record, error) {
		sub, closeInput, err := submissionFor(item.Path)
		defer closeInput()
		if err != nil {
			return nil, kycerr.New(kycerr.InvalidSubmission, "read "+item.Path, err)
		}
		res, err := svc.SubmitEnrollment(ctx, item.OwnerID, sub)
		if err != nil {
			return nil, err
		}
		return res.Record, nil
	}, func() { bar.Add(1) })
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	failed := printBatchResults(results)
	fmt.Fprintf(os.Stderr, "\n🏁 Batch Complete. %d enrolled, %d failed.\n", len(results)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d enrollments failed", failed, len(results))
	}
	return nil
}

func printBatchResults(results []batchResult) (failed int) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "LINE\tOWNER\tRESULT\tDETAIL")
	fmt.Fprintln(w, "----\t-----\t------\t------")
	for _, r := range results {
		if r.Err == nil {
			fmt.Fprintf(w, "%d\t%s\tenrolled\t%s\n", r.Item.Line, r.Item.OwnerID, r.Record.ImageURL)
			continue
		}
		failed++
		detail := r.Err.Error()
		if kind := kycerr.KindOf(r.Err); kind != "" {
			detail = kind.Message()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Item.Line, r.Item.OwnerID, resultCode(r.Err), detail)
	}
	w.Flush()
	return failed
}

func resultCode(err error) string {
	if kind := kycerr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "failed"
}
