package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent upload and delete outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.RecentTransfers(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no transfer history")
				return nil
			}
			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "WHEN\tKIND\tITEM\tRESULT\tDEVICE")
			for _, record := range records {
				result := "ok"
				if record.Failed() {
					result = record.Error
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
					record.CreatedAt.Local().Format(time.DateTime),
					record.Kind,
					record.Item,
					result,
					record.Address,
				)
			}
			return writer.Flush()
		},
	}

	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum rows to show")
	return cmd
}
