package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/livekyc/internal/records"
	"github.com/andresmejia3/livekyc/internal/utils"
)

var statusOwner string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the verification status of an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runStatus(cmd.Context(), statusOwner)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusOwner, "owner", "", "Owner (account) ID")
	statusCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, owner string) error {
	recs, err := App.Records(ctx)
	if err != nil {
		utils.ShowError("Failed to connect to the record store", err, nil)
		return err
	}

	rec, err := recs.Get(ctx, owner)
	if err != nil {
		utils.ShowError("Failed to load identity record", err, nil)
		return err
	}
	accountVerified, err := recs.IsVerified(ctx, owner)
	if err != nil {
		utils.ShowError("Failed to load account verification", err, nil)
		return err
	}

	if rec == nil {
		fmt.Printf("❌ Owner %s has not been verified.\n", owner)
		return nil
	}
	if rec.Verified && accountVerified {
		fmt.Printf("✅ Owner %s is verified.\n", owner)
	} else {
		// The record exists but the account flag never landed
		fmt.Printf("⚠️  Owner %s has an identity record but the account is not flagged as verified.\n", owner)
	}
	printRecords([]records.Record{*rec})
	return nil
}
