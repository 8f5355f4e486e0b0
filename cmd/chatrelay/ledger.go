package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/spf13/cobra"
)

func newLedgerCmd() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the credit ledger",
	}
	ledgerCmd.AddCommand(newLedgerShowCmd())
	return ledgerCmd
}

type ledgerStatus struct {
	Backend    string `json:"backend"`
	Path       string `json:"path"`
	Exists     bool   `json:"exists"`
	TokensLeft int64  `json:"tokens_left"`
}

func newLedgerShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the remaining credits without modifying the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(cmd, cmd.ErrOrStderr())
			loadDotEnv()

			cfg, err := config.LoadLedger()
			if err != nil {
				return err
			}
			status, err := readLedger(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			if !status.Exists {
				_, err = fmt.Fprintf(out, "No ledger at %s (%s); %d credits will be granted on first start\n",
					status.Path, status.Backend, cfg.InitialCredits)
				return err
			}
			_, err = fmt.Fprintf(out, "%d credits remaining (%s: %s)\n", status.TokensLeft, status.Backend, status.Path)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func readLedger(ctx context.Context, cfg config.LedgerConfig) (ledgerStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	repo, err := store.Open(cfg.Backend, cfg.Path, nil)
	if err != nil {
		return ledgerStatus{}, err
	}
	defer func() { _ = repo.Close() }()

	credits, found, err := repo.LoadCredits(ctx)
	if err != nil {
		return ledgerStatus{}, fmt.Errorf("read ledger: %w", err)
	}
	return ledgerStatus{
		Backend:    cfg.Backend,
		Path:       cfg.Path,
		Exists:     found,
		TokensLeft: credits,
	}, nil
}
