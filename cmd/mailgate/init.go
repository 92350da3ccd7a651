package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/mailgate/internal/dkim"
)

var (
	initDomain     string
	initAdminEmail string
	initSMTPHost   string
	initOutput     string
	initDataDir    string
	initDKIM       bool
	initACME       bool
	initACMEEmail  string
	initForce      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a configuration file",
	Long: `Generate a mailgate configuration file with a random cron secret and
admin key, and optionally a DKIM key for the sending domain.

Examples:
  mailgate init --domain agency.example --admin-email team@agency.example
  mailgate init --domain agency.example --admin-email team@agency.example \
    --smtp-host smtp.agency.example --dkim --acme -o /etc/mailgate/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initDomain, "domain", "", "Sending domain (required)")
	initCmd.Flags().StringVar(&initAdminEmail, "admin-email", "", "Address that receives form notifications (required)")
	initCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "", "SMTP smarthost (empty = log transport)")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/mailgate", "Data directory for the database and keys")
	initCmd.Flags().BoolVar(&initDKIM, "dkim", false, "Generate a DKIM key")
	initCmd.Flags().BoolVar(&initACME, "acme", false, "Serve the API over HTTPS with Let's Encrypt")
	initCmd.Flags().StringVar(&initACMEEmail, "acme-email", "", "Let's Encrypt account email (default: admin email)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	initCmd.MarkFlagRequired("domain")
	initCmd.MarkFlagRequired("admin-email")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	adminKey := generateRandomString(32)
	adminKeyHash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin key: %w", err)
	}

	opts := initOptions{
		Domain:       initDomain,
		AdminEmail:   initAdminEmail,
		SMTPHost:     initSMTPHost,
		DataDir:      initDataDir,
		CronSecret:   generateRandomString(32),
		AdminKeyHash: string(adminKeyHash),
	}
	if initACME {
		opts.ACMEEmail = initACMEEmail
		if opts.ACMEEmail == "" {
			opts.ACMEEmail = initAdminEmail
		}
	}

	var dkimRecord string
	if initDKIM {
		keyDir := filepath.Join(initDataDir, "dkim")
		if err := os.MkdirAll(keyDir, 0700); err != nil {
			return fmt.Errorf("failed to create DKIM directory: %w", err)
		}
		opts.DKIMKeyFile = filepath.Join(keyDir, initDomain+".mailgate.key")

		key, err := dkim.GenerateKey(dkim.AlgorithmRSA)
		if err != nil {
			return fmt.Errorf("failed to generate DKIM key: %w", err)
		}
		if err := dkim.WriteKey(opts.DKIMKeyFile, key); err != nil {
			return fmt.Errorf("failed to save DKIM key: %w", err)
		}
		signer, err := dkim.NewSigner(key, initDomain, "mailgate")
		if err != nil {
			return err
		}
		name, value, err := signer.Record()
		if err != nil {
			return fmt.Errorf("failed to build DNS record: %w", err)
		}
		dkimRecord = fmt.Sprintf("%s TXT %q", name, value)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig(opts)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration written to %s\n\n", initOutput)
	fmt.Printf("Admin API key (stored hashed, shown once): %s\n", adminKey)
	fmt.Printf("Cron secret: %s\n", opts.CronSecret)
	fmt.Println()
	fmt.Println("DNS records for the sending domain:")
	fmt.Printf("  %s TXT \"v=spf1 mx ~all\"\n", initDomain)
	if dkimRecord != "" {
		fmt.Printf("  %s\n", dkimRecord)
	}
	fmt.Printf("  _dmarc.%s TXT \"v=DMARC1; p=quarantine; rua=mailto:%s\"\n", initDomain, initAdminEmail)
	fmt.Println()
	fmt.Printf("Check them with: mailgate dns check -c %s\n", initOutput)

	return nil
}

type initOptions struct {
	Domain       string
	AdminEmail   string
	SMTPHost     string
	DataDir      string
	CronSecret   string
	AdminKeyHash string
	DKIMKeyFile  string
	ACMEEmail    string
}

// generateConfig renders a commented YAML configuration
func generateConfig(o initOptions) string {
	var b strings.Builder

	b.WriteString("# mailgate configuration\n\n")

	b.WriteString("api:\n")
	if o.ACMEEmail != "" {
		b.WriteString("  listen_addr: \":443\"\n")
	} else {
		b.WriteString("  listen_addr: \":8080\"\n")
	}
	fmt.Fprintf(&b, "  admin_key_hash: %q\n", o.AdminKeyHash)
	fmt.Fprintf(&b, "  cron_secret: %q\n", o.CronSecret)
	fmt.Fprintf(&b, "  cors_origins: [\"https://%s\"]\n", o.Domain)
	if o.ACMEEmail != "" {
		b.WriteString("  tls:\n")
		b.WriteString("    acme:\n")
		b.WriteString("      enabled: true\n")
		fmt.Fprintf(&b, "      email: %q\n", o.ACMEEmail)
		fmt.Fprintf(&b, "      domains: [\"forms.%s\"]\n", o.Domain)
		fmt.Fprintf(&b, "      cache_dir: %q\n", filepath.Join(o.DataDir, "certs"))
	}
	b.WriteString("\n")

	b.WriteString("storage:\n")
	b.WriteString("  driver: sqlite\n")
	fmt.Fprintf(&b, "  dsn: %q\n", filepath.Join(o.DataDir, "mailgate.db"))
	b.WriteString("  retention:\n")
	b.WriteString("    sent_max_age: 720h\n\n")

	b.WriteString("queue:\n")
	b.WriteString("  max_attempts: 3\n")
	b.WriteString("  backoff_base: 5m\n")
	b.WriteString("  # Run batches in-process; leave 0 to rely on the cron trigger\n")
	b.WriteString("  poll_interval: 1m\n\n")

	b.WriteString("transport:\n")
	if o.SMTPHost == "" {
		b.WriteString("  provider: log\n")
	} else {
		b.WriteString("  provider: smtp\n")
	}
	fmt.Fprintf(&b, "  from: \"noreply@%s\"\n", o.Domain)
	if o.SMTPHost != "" {
		b.WriteString("  smtp:\n")
		fmt.Fprintf(&b, "    host: %q\n", o.SMTPHost)
		b.WriteString("    port: 587\n")
		b.WriteString("    tls: starttls\n")
		b.WriteString("    # username: \"\"\n")
		b.WriteString("    # password: \"${MAILGATE_SMTP_PASSWORD}\"\n")
		if o.DKIMKeyFile != "" {
			b.WriteString("    dkim:\n")
			b.WriteString("      enabled: true\n")
			b.WriteString("      selector: mailgate\n")
			fmt.Fprintf(&b, "      domain: %q\n", o.Domain)
			fmt.Fprintf(&b, "      key_file: %q\n", o.DKIMKeyFile)
		}
	}
	b.WriteString("\n")

	b.WriteString("filter:\n")
	b.WriteString("  threshold: 10\n")
	b.WriteString("  rate_limit:\n")
	b.WriteString("    limit: 3\n")
	b.WriteString("    window: 1h\n")
	fmt.Fprintf(&b, "    state_path: %q\n\n", filepath.Join(o.DataDir, "ratelimit.db"))

	b.WriteString("notify:\n")
	fmt.Fprintf(&b, "  admin_email: %q\n", o.AdminEmail)
	fmt.Fprintf(&b, "  site_name: %q\n\n", o.Domain)

	b.WriteString("logging:\n")
	b.WriteString("  level: info\n")
	b.WriteString("  format: json\n")

	return b.String()
}

// generateRandomString returns a random hex string of length n
func generateRandomString(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)[:n]
}
