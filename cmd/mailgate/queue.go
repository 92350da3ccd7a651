package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailgate/internal/app"
	"github.com/foxzi/mailgate/internal/queue"
)

var (
	queueListStatus string
	queueListLimit  int
	queueListOffset int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Email queue commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List emails in the queue",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <email_id>",
	Short: "Show email details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <email_id>",
	Short: "Reset a failed email to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one queue batch and print the result",
	RunE:  runQueueProcess,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, processing, sent, failed)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of emails to show")
	queueListCmd.Flags().IntVar(&queueListOffset, "offset", 0, "Number of emails to skip")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueRetryCmd, queueProcessCmd)
	rootCmd.AddCommand(queueCmd)
}

func openStorage() (*app.Storage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := app.OpenStorage(cfg, app.SetupLogger(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return storage, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	filter := queue.ListFilter{
		Status: queue.Status(queueListStatus),
		Limit:  queueListLimit,
		Offset: queueListOffset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("invalid status: %s", queueListStatus)
	}

	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	emails, err := storage.Queue.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list emails: %w", err)
	}

	if len(emails) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTO\tSUBJECT\tCREATED\tATTEMPTS")
	fmt.Fprintln(w, "--\t------\t--------\t--\t-------\t-------\t--------")

	for _, email := range emails {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			truncate(email.ID, 12),
			email.Status,
			email.Priority,
			truncate(strings.Join(email.To, ", "), 40),
			truncate(email.Subject, 40),
			email.CreatedAt.Format("2006-01-02 15:04"),
			email.Attempts,
			email.MaxAttempts,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d emails\n", len(emails))

	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]

	email, err := storage.Queue.Get(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to get email: %w", err)
	}
	if email == nil {
		return fmt.Errorf("email not found: %s", id)
	}

	fmt.Printf("Email: %s\n\n", email.ID)
	fmt.Printf("Status:     %s\n", email.Status)
	fmt.Printf("Priority:   %s\n", email.Priority)
	fmt.Printf("To:         %s\n", strings.Join(email.To, ", "))
	if len(email.CC) > 0 {
		fmt.Printf("Cc:         %s\n", strings.Join(email.CC, ", "))
	}
	if email.ReplyTo != "" {
		fmt.Printf("Reply-To:   %s\n", email.ReplyTo)
	}
	fmt.Printf("Subject:    %s\n", email.Subject)
	fmt.Printf("Attempts:   %d/%d\n", email.Attempts, email.MaxAttempts)
	fmt.Printf("Created:    %s\n", email.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", email.UpdatedAt.Format(time.RFC3339))

	if email.NextRetryAt != nil {
		fmt.Printf("Next Retry: %s\n", email.NextRetryAt.Format(time.RFC3339))
	}
	if email.SentAt != nil {
		fmt.Printf("Sent:       %s via %s (%s)\n", email.SentAt.Format(time.RFC3339), email.Provider, email.ProviderID)
	}

	if email.Error != "" {
		fmt.Printf("\nLast Error:\n  %s\n", email.Error)
	}
	if email.ErrorDetails != "" {
		fmt.Printf("\nDetails:\n  %s\n", email.ErrorDetails)
	}

	if len(email.Metadata) > 0 {
		data, _ := json.MarshalIndent(email.Metadata, "  ", "  ")
		fmt.Printf("\nMetadata:\n  %s\n", data)
	}

	if email.TextContent != "" {
		fmt.Println("\nText Preview (first 500 bytes):")
		fmt.Println("---")
		fmt.Println(truncate(email.TextContent, 500))
		fmt.Println("---")
	}

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Queue.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Total:      %d\n", stats.Total)
	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Processing: %d\n", stats.Processing)
	fmt.Printf("Sent:       %d\n", stats.Sent)
	fmt.Printf("Failed:     %d\n", stats.Failed)

	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]

	err = storage.Queue.Requeue(context.Background(), id, time.Now())
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return fmt.Errorf("email not found: %s", id)
	case errors.Is(err, queue.ErrNotFailed):
		return fmt.Errorf("email %s is not failed, only failed emails can be retried", id)
	case err != nil:
		return fmt.Errorf("failed to requeue email: %w", err)
	}

	fmt.Printf("Email %s queued for retry\n", id)
	return nil
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Shutdown(context.Background())

	result, err := application.ProcessQueue(context.Background())
	if result != nil {
		fmt.Printf("Processed: %d\n", result.Processed)
		fmt.Printf("Sent:      %d\n", result.Sent)
		fmt.Printf("Retried:   %d\n", result.Retried)
		fmt.Printf("Failed:    %d\n", result.Failed)
		fmt.Printf("Skipped:   %d\n", result.Skipped)
		fmt.Printf("Reclaimed: %d\n", result.Reclaimed)
		fmt.Printf("Duration:  %s\n", result.Duration.Round(time.Millisecond))
		if result.SkippedLocked {
			fmt.Println("Batch skipped, another worker holds the lock")
		}
		if result.Truncated {
			fmt.Println("Batch stopped early, more emails are due")
		}
		for _, e := range result.Errors {
			fmt.Printf("  error: %s\n", e)
		}
	}
	if err != nil {
		return fmt.Errorf("queue batch failed: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
