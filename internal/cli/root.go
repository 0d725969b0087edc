package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emberveil/sagalog/internal/saga/transaction"
)

// NewRoot constructs the root sagalog command and registers all subcommands.
func NewRoot(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "sagalog",
		Short:         "Append-only saga transaction log",
		Long:          "sagalog manages per-instance transaction logs, derives state by replay, and reconciles local history against an authoritative stream.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.open()
		},
	}
	root.AddCommand(newInstanceCommand(app))
	root.AddCommand(newAppendCommand(app))
	root.AddCommand(newCommitCommand(app))
	root.AddCommand(newRollbackCommand(app))
	root.AddCommand(newLogCommand(app))
	root.AddCommand(newStateCommand(app))
	root.AddCommand(newSnapshotCommand(app))
	root.AddCommand(newSyncCommand(app))
	root.AddCommand(newStatsCommand(app))
	return root
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	cmd.Println(string(out))
	return nil
}

func newInstanceCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "Instance commands"}

	var owner, templateRef string
	getOrCreate := &cobra.Command{
		Use:   "get-or-create",
		Short: "Return the owned instance for an owner and template, creating it on first access",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := app.instances.GetOrCreate(cmd.Context(), owner, templateRef)
			if err != nil {
				return err
			}
			return printJSON(cmd, inst)
		},
	}
	getOrCreate.Flags().StringVar(&owner, "owner", "", "owner id")
	getOrCreate.Flags().StringVar(&templateRef, "template", "", "template ref")
	_ = getOrCreate.MarkFlagRequired("owner")
	_ = getOrCreate.MarkFlagRequired("template")

	get := &cobra.Command{
		Use:   "get <instance-id>",
		Short: "Show an instance record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := app.instances.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, inst)
		},
	}

	cmd.AddCommand(getOrCreate, get)
	return cmd
}

func newAppendCommand(app *App) *cobra.Command {
	var instanceID, actorID, clientID, txType string
	var dataPairs []string

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a pending transaction to an instance log",
		RunE: func(cmd *cobra.Command, args []string) error {
			data := transaction.Data{}
			for _, pair := range dataPairs {
				key, value, found := strings.Cut(pair, "=")
				if !found {
					return fmt.Errorf("data %q is not key=value", pair)
				}
				data[key] = value
			}
			tx := transaction.Transaction{
				ActorID:  actorID,
				ClientID: clientID,
				Type:     transaction.Type(txType),
				Data:     data,
			}
			seqs, err := app.instances.AddTransactions(cmd.Context(), instanceID, []transaction.Transaction{tx})
			if err != nil {
				return err
			}
			cmd.Printf("appended seq %d\n", seqs[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	cmd.Flags().StringVar(&actorID, "actor", "", "acting participant id")
	cmd.Flags().StringVar(&clientID, "client", "cli", "originating client id")
	cmd.Flags().StringVar(&txType, "type", "", "transaction type, e.g. trigger.activated")
	cmd.Flags().StringArrayVar(&dataPairs, "data", nil, "payload field as key=value, repeatable")
	_ = cmd.MarkFlagRequired("instance")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newCommitCommand(app *App) *cobra.Command {
	var instanceID string
	cmd := &cobra.Command{
		Use:   "commit <transaction-id>...",
		Short: "Atomically commit a batch of pending transactions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.instances.Commit(cmd.Context(), instanceID, args); err != nil {
				return err
			}
			cmd.Printf("committed %d transaction(s)\n", len(args))
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func newRollbackCommand(app *App) *cobra.Command {
	var instanceID string
	cmd := &cobra.Command{
		Use:   "rollback <transaction-id>...",
		Short: "Reject pending transactions, keeping them in the log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.instances.Rollback(cmd.Context(), instanceID, args); err != nil {
				return err
			}
			cmd.Printf("rejected %d transaction(s)\n", len(args))
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func newLogCommand(app *App) *cobra.Command {
	var instanceID string
	var afterSeq uint64
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print an instance's transaction log in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			txs, err := app.instances.GetAfterSequence(cmd.Context(), instanceID, afterSeq)
			if err != nil {
				return err
			}
			return printJSON(cmd, txs)
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	cmd.Flags().Uint64Var(&afterSeq, "after", 0, "only transactions with seq greater than this")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func newStateCommand(app *App) *cobra.Command {
	var instanceID string
	var atSeq uint64
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Derive current state for an instance by replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if atSeq > 0 {
				inst, err := app.instances.Get(ctx, instanceID)
				if err != nil {
					return err
				}
				txs, err := app.instances.GetAll(ctx, instanceID)
				if err != nil {
					return err
				}
				st, err := app.machine.ReplayToSequence(inst.TemplateRef, txs, atSeq)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			}
			st, err := app.snapshots.State(ctx, instanceID)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	cmd.Flags().Uint64Var(&atSeq, "at-seq", 0, "derive state as of this sequence number")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func newSnapshotCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{Use: "snapshot", Short: "Snapshot commands"}

	var instanceID string
	capture := &cobra.Command{
		Use:   "capture",
		Short: "Checkpoint an instance at its settled log boundary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.snapshots.Capture(cmd.Context(), instanceID); err != nil {
				return err
			}
			cmd.Println("snapshot captured")
			return nil
		},
	}
	capture.Flags().StringVar(&instanceID, "instance", "", "instance id")
	_ = capture.MarkFlagRequired("instance")

	var invalidateID string
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop an instance's checkpoint, forcing full replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.snapshots.Invalidate(cmd.Context(), invalidateID); err != nil {
				return err
			}
			cmd.Println("snapshot invalidated")
			return nil
		},
	}
	invalidate.Flags().StringVar(&invalidateID, "instance", "", "instance id")
	_ = invalidate.MarkFlagRequired("instance")

	cmd.AddCommand(capture, invalidate)
	return cmd
}

func newSyncCommand(app *App) *cobra.Command {
	var instanceID, strategy string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile an instance against the authoritative feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			reconciler, err := app.reconciler()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if strategy != "" {
				result, err := reconciler.SyncWithStrategy(ctx, instanceID, transaction.MergeStrategy(strategy))
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			}
			result, err := reconciler.Sync(ctx, instanceID)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	cmd.Flags().StringVar(&strategy, "strategy", "", "merge strategy override: authority_wins or timestamp_ordering")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func newStatsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate store counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := app.instances.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}
