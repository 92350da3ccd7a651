package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailgate/internal/tls"
)

var tlsCmd = &cobra.Command{
	Use:   "tls",
	Short: "API TLS certificate commands",
}

var tlsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show API TLS certificate status",
	RunE:  runTLSStatus,
}

func init() {
	tlsCmd.AddCommand(tlsStatusCmd)
	rootCmd.AddCommand(tlsCmd)
}

func runTLSStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tc := cfg.API.TLS

	if !tc.Enabled() {
		fmt.Println("TLS is not configured")
		return nil
	}

	if !tc.ACME.Enabled {
		info, err := tls.ReadCertificateInfo(tc.CertFile)
		if err != nil {
			return err
		}
		fmt.Println("TLS Certificate (manual):")
		fmt.Printf("  File: %s\n", tc.CertFile)
		printCertificate(info)
		return nil
	}

	manager := tls.NewACMEManager(tc.ACME.Email, tc.ACME.Domains, tc.ACME.CacheDir)
	certs, err := manager.CachedCertificates(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("TLS Certificates (ACME):")
	fmt.Printf("  Cache: %s\n", tc.ACME.CacheDir)
	fmt.Printf("  Domains: %s\n\n", strings.Join(manager.Domains(), ", "))
	if len(certs) == 0 {
		fmt.Println("No cached certificates, they are obtained on the first HTTPS request")
		return nil
	}
	for i := range certs {
		printCertificate(&certs[i])
		fmt.Println()
	}
	return nil
}

func printCertificate(info *tls.CertificateInfo) {
	fmt.Printf("  Domain: %s\n", info.Domain)
	fmt.Printf("  Issuer: %s\n", info.Issuer)
	fmt.Printf("  Valid from: %s\n", info.NotBefore.Format(time.RFC3339))
	fmt.Printf("  Valid until: %s\n", info.NotAfter.Format(time.RFC3339))
	fmt.Printf("  Days left: %d\n", info.DaysLeft)
}
