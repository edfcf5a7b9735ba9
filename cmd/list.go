package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all identity records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		recs, err := App.Records(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to connect to the record store", err, nil)
			return err
		}
		all, err := recs.List(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to list identity records", err, nil)
			return err
		}

		if len(all) == 0 {
			fmt.Println("No identity records found.")
			return nil
		}
		printRecords(all)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
