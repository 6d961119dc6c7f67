package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Priya8975/fleet-gateway/internal/config"
	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/store"
	"github.com/spf13/cobra"
)

type deadLetterOptions struct {
	tenant       string
	subscription string
	resolved     bool
	limit        int
	format       string
	resolvedBy   string
}

func newDeadLettersCommand() *cobra.Command {
	opts := &deadLetterOptions{}

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and resolve webhook deliveries that exhausted their retries",
	}
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		Example: `  fleetd dead-letters list --tenant t1
  fleetd dead-letters list --tenant t1 --resolved --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, err := openPostgres(cmd)
			if err != nil {
				return err
			}
			defer pg.Close()

			letters, err := pg.ListDeadLetters(cmd.Context(), store.DeadLetterFilter{
				TenantID:       opts.tenant,
				SubscriptionID: opts.subscription,
				Resolved:       opts.resolved,
				Limit:          opts.limit,
			})
			if err != nil {
				return err
			}
			return printDeadLetters(cmd.OutOrStdout(), opts.format, letters)
		},
	}
	list.Flags().StringVar(&opts.tenant, "tenant", "", "only this tenant")
	list.Flags().StringVar(&opts.subscription, "subscription", "", "only this subscription")
	list.Flags().BoolVar(&opts.resolved, "resolved", false, "list resolved entries instead of open ones")
	list.Flags().IntVar(&opts.limit, "limit", 50, "maximum entries")

	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead letter as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pg, err := openPostgres(cmd)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.ResolveDeadLetter(cmd.Context(), args[0], opts.resolvedBy); err != nil {
				if errors.Is(err, store.ErrDeadLetterNotFound) {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", args[0])
			return nil
		},
	}
	resolve.Flags().StringVar(&opts.resolvedBy, "by", "cli", "who resolved it")

	cmd.AddCommand(list, resolve)
	return cmd
}

func openPostgres(cmd *cobra.Command) (*store.PostgresStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.StoreDriver != config.StorePostgres {
		return nil, fmt.Errorf("dead letters are only kept with STORE_DRIVER=%s", config.StorePostgres)
	}
	return store.NewPostgres(cmd.Context(), cfg.DatabaseURL, 2)
}

func printDeadLetters(w io.Writer, format string, letters []domain.DeadLetter) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(letters)
	case "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTENANT\tSUBSCRIPTION\tEVENT\tATTEMPTS\tREASON\tCREATED")
		for _, dl := range letters {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				dl.ID, dl.TenantID, dl.SubscriptionID, dl.EventKind, dl.TotalAttempts, dl.Reason,
				dl.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("invalid format %q: must be json or text", format)
	}
}
