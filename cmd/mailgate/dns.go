package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailgate/internal/dkim"
	"github.com/foxzi/mailgate/internal/dnscheck"
)

var (
	dnsDomain   string
	dnsSelector string
	dnsKeyFile  string
	dnsTimeout  time.Duration
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "Sending domain DNS commands",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check SPF, DKIM and DMARC records of the sending domain",
	Long: `Check the DNS records of the sending domain.

Without flags the domain, selector and key are taken from
transport.smtp.dkim, or the domain from transport.from.`,
	RunE: runDNSCheck,
}

func init() {
	dnsCheckCmd.Flags().StringVar(&dnsDomain, "domain", "", "Domain to check")
	dnsCheckCmd.Flags().StringVar(&dnsSelector, "selector", "", "DKIM selector")
	dnsCheckCmd.Flags().StringVar(&dnsKeyFile, "key", "", "DKIM private key to compare with the published record")
	dnsCheckCmd.Flags().DurationVar(&dnsTimeout, "timeout", 10*time.Second, "Lookup timeout")

	dnsCmd.AddCommand(dnsCheckCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	if dnsDomain == "" {
		if err := dnsDefaultsFromConfig(); err != nil {
			return err
		}
	}

	opts := dnscheck.Options{Selector: dnsSelector}
	if dnsKeyFile != "" && dnsSelector != "" {
		signer, err := dkim.LoadSigner(dnsKeyFile, dnsDomain, dnsSelector)
		if err != nil {
			return err
		}
		if _, opts.DKIMRecord, err = signer.Record(); err != nil {
			return fmt.Errorf("failed to build DNS record: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dnsTimeout)
	defer cancel()

	report, err := dnscheck.New(nil).CheckDomain(ctx, dnsDomain, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Domain: %s\n\n", report.Domain)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tDETAILS")
	fmt.Fprintln(w, "-----\t------\t-------")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Type, strings.ToUpper(r.Status), r.Message)
	}
	w.Flush()

	if !report.OK() {
		return fmt.Errorf("DNS check failed for %s", report.Domain)
	}
	return nil
}

func dnsDefaultsFromConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("no --domain given: %w", err)
	}

	if d := cfg.Transport.SMTP.DKIM; d.Enabled {
		dnsDomain = d.Domain
		if dnsSelector == "" {
			dnsSelector = d.Selector
		}
		if dnsKeyFile == "" {
			dnsKeyFile = d.KeyFile
		}
		return nil
	}

	_, domain, ok := strings.Cut(cfg.Transport.From, "@")
	if !ok || domain == "" {
		return fmt.Errorf("no --domain given and transport.from has no domain")
	}
	dnsDomain = strings.TrimSuffix(domain, ">")
	return nil
}
