package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certgate/config"
	"github.com/jmcleod/certgate/journal"
)

var (
	journalFile       string
	journalLimit      int
	journalJSONOutput bool
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the issuance journal",
	Long: `Commands for reading the issuance journal written by the server. The
journal file is opened read-only and may be inspected while the server runs.`,
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent issuance events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openJournalReadOnly()
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context(), journalLimit)
		if err != nil {
			return err
		}
		if journalJSONOutput {
			return printJSON(cmd.OutOrStdout(), records)
		}
		printRecords(cmd.OutOrStdout(), records)
		return nil
	},
}

var journalShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one issuance event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openJournalReadOnly()
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalListCmd, journalShowCmd)
	journalCmd.PersistentFlags().StringVar(&journalFile, "file", "", "Journal file (defaults to journal_path from the config)")
	journalListCmd.Flags().IntVarP(&journalLimit, "limit", "n", 50, "Maximum number of events, 0 for all")
	journalListCmd.Flags().BoolVar(&journalJSONOutput, "json", false, "Output events as JSON")
}

func openJournalReadOnly() (*journal.BoltStore, error) {
	path := journalFile
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.JournalPath
	}
	if path == "" {
		return nil, fmt.Errorf("no journal file: pass --file or set journal_path in %s", configPath)
	}
	return journal.OpenBoltStoreReadOnly(path)
}

func printRecords(w io.Writer, records []journal.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tTENANT\tIDENTITY\tSERIAL\tSTATUS\tID")
	for _, rec := range records {
		status := "-"
		if rec.Status != 0 {
			status = fmt.Sprint(rec.Status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.At.Format(time.RFC3339), rec.Event, rec.Tenant, rec.Identity, shortSerial(rec.Serial), status, rec.ID)
	}
	tw.Flush()
}

// shortSerial abbreviates a 40 character serial for tabular output.
func shortSerial(serial string) string {
	if len(serial) <= 16 {
		return serial
	}
	return serial[:16] + "…"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
