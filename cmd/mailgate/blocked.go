package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailgate/internal/abuse"
)

var (
	blockedForm   string
	blockedIP     string
	blockedLimit  int
	blockedOffset int
)

var blockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "Blocked request audit commands",
}

var blockedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocked form submissions, newest first",
	RunE:  runBlockedList,
}

func init() {
	blockedListCmd.Flags().StringVar(&blockedForm, "form", "", "Filter by form name")
	blockedListCmd.Flags().StringVar(&blockedIP, "ip", "", "Filter by client IP")
	blockedListCmd.Flags().IntVar(&blockedLimit, "limit", 50, "Maximum number of rows to show")
	blockedListCmd.Flags().IntVar(&blockedOffset, "offset", 0, "Number of rows to skip")

	blockedCmd.AddCommand(blockedListCmd)
	rootCmd.AddCommand(blockedCmd)
}

func runBlockedList(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	blocked, err := storage.Audit.List(context.Background(), abuse.BlockedFilter{
		Form:   blockedForm,
		IP:     blockedIP,
		Limit:  blockedLimit,
		Offset: blockedOffset,
	})
	if err != nil {
		return fmt.Errorf("failed to list blocked requests: %w", err)
	}

	if len(blocked) == 0 {
		fmt.Println("No blocked requests")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tFORM\tIP\tSCORE\tREASONS")
	fmt.Fprintln(w, "-------\t----\t--\t-----\t-------")

	for _, b := range blocked {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			b.CreatedAt.Format("2006-01-02 15:04:05"),
			b.Form,
			b.IP,
			b.Score,
			strings.Join(b.Reasons, ","),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d blocked requests\n", len(blocked))

	return nil
}
