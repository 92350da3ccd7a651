package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailgate/internal/dkim"
)

// TLS modes for the smarthost connection
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
)

// SMTPConfig describes the smarthost
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                string
	HELO               string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SMTPTransport submits messages to a smarthost
type SMTPTransport struct {
	cfg    SMTPConfig
	signer *dkim.Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTPTransport creates a smarthost transport
func NewSMTPTransport(cfg SMTPConfig, logger *slog.Logger) *SMTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	if cfg.HELO == "" {
		cfg.HELO = "localhost"
	}
	return &SMTPTransport{
		cfg:    cfg,
		logger: logger.With("component", "transport", "provider", "smtp"),
		now:    time.Now,
	}
}

// SetDKIMSigner signs outgoing messages
func (t *SMTPTransport) SetDKIMSigner(s *dkim.Signer) {
	t.signer = s
}

// Name returns the provider name
func (t *SMTPTransport) Name() string {
	return "smtp"
}

// Send submits msg to the smarthost
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := validate(t.Name(), msg); err != nil {
		return nil, err
	}

	data, messageID, err := BuildMIME(msg, t.now())
	if err != nil {
		return nil, &Error{Provider: t.Name(), Class: ClassInvalid, Message: err.Error(), Err: err}
	}

	if t.signer != nil {
		signed, err := t.signer.Sign(data)
		if err != nil {
			t.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", t.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	from, err := envelopeAddress(msg.From)
	if err != nil {
		return nil, &Error{Provider: t.Name(), Class: ClassInvalid, Message: "invalid from address", Err: err}
	}
	var rcpts []string
	for _, r := range msg.Recipients() {
		addr, err := envelopeAddress(r)
		if err != nil {
			return nil, &Error{Provider: t.Name(), Class: ClassInvalid, Message: fmt.Sprintf("invalid recipient %q", r), Err: err}
		}
		rcpts = append(rcpts, addr)
	}

	client, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Mail(from, nil); err != nil {
		return nil, t.categorizeError(err, "MAIL FROM")
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return nil, t.categorizeError(err, "RCPT TO "+rcpt)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return nil, t.categorizeError(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return nil, &Error{Provider: t.Name(), Class: ClassNetwork, Message: "failed to write message data", Err: err}
	}
	if err := wc.Close(); err != nil {
		return nil, t.categorizeError(err, "DATA close")
	}

	if err := client.Quit(); err != nil {
		t.logger.Debug("QUIT failed after delivery", "error", err)
	}

	t.logger.Info("message submitted",
		"message_id", messageID,
		"recipients", len(rcpts),
		"size", len(data),
	)

	return &Receipt{Provider: t.Name(), MessageID: messageID}, nil
}

// dial connects, greets, upgrades TLS and authenticates
func (t *SMTPTransport) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{
			Provider: t.Name(),
			Class:    classifyNetError(err),
			Message:  fmt.Sprintf("connection to %s failed", addr),
			Detail:   err.Error(),
			Err:      err,
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	tlsConfig := &tls.Config{
		ServerName:         t.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.cfg.InsecureSkipVerify,
	}

	if t.cfg.TLS == TLSImplicit {
		conn = tls.Client(conn, tlsConfig)
	}

	client := smtp.NewClient(conn)

	if err := client.Hello(t.cfg.HELO); err != nil {
		client.Close()
		return nil, t.categorizeError(err, "HELO")
	}

	if t.cfg.TLS == TLSStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, &Error{Provider: t.Name(), Class: ClassTemporary, Message: "server does not support STARTTLS"}
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, t.categorizeError(err, "STARTTLS")
		}
	}

	if t.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			client.Close()
			return nil, t.categorizeError(err, "AUTH")
		}
	}

	return client, nil
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// categorizeError turns an SMTP reply into a transport error.
// 5xx replies are permanent and 4xx temporary. Authentication replies
// and 4.7.1 throttling get their own class.
func (t *SMTPTransport) categorizeError(err error, stage string) *Error {
	te := &Error{
		Provider: t.Name(),
		Message:  stage + " failed",
		Detail:   err.Error(),
		Err:      err,
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		te.Code = smtpErr.Code
		te.Detail = smtpErr.Message
	} else if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		te.Code, _ = strconv.Atoi(m[1])
	}

	switch {
	case te.Code == 530 || te.Code == 534 || te.Code == 535:
		te.Class = ClassAuth
	case smtpErr != nil && smtpErr.EnhancedCode == (smtp.EnhancedCode{4, 7, 1}):
		te.Class = ClassRateLimited
	case te.Code >= 500:
		te.Class = ClassPermanent
	case te.Code >= 400:
		te.Class = ClassTemporary
	default:
		te.Class = classifyNetError(err)
		if te.Class == ClassUnknown {
			te.Class = ClassTemporary
		}
	}

	return te
}
