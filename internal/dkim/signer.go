// Package dkim signs outbound messages submitted over SMTP.
package dkim

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// SignedHeaders is the header set covered by the signature.
// Headers missing from a message are skipped by the signer.
var SignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Reply-To",
	"Subject",
	"Date",
	"Message-ID",
	"MIME-Version",
	"Content-Type",
	"X-Mailgate-Id",
}

// Signer adds a DKIM-Signature header to messages
type Signer struct {
	key      crypto.Signer
	domain   string
	selector string
}

// NewSigner creates a signer for domain and selector.
// The key must be RSA or Ed25519.
func NewSigner(key crypto.Signer, domain, selector string) (*Signer, error) {
	if key == nil {
		return nil, errors.New("DKIM key is required")
	}
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return nil, errors.New("DKIM domain is required")
	}
	if selector == "" {
		return nil, errors.New("DKIM selector is required")
	}
	if _, err := algorithmOf(key.Public()); err != nil {
		return nil, err
	}
	return &Signer{key: key, domain: domain, selector: selector}, nil
}

// LoadSigner reads a PEM key from keyFile and creates a signer
func LoadSigner(keyFile, domain, selector string) (*Signer, error) {
	key, err := LoadKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, domain, selector)
}

// Sign returns message with a DKIM-Signature prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             presentHeaders(message),
	}

	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DNS selector
func (s *Signer) Selector() string {
	return s.selector
}

// Record returns the DNS name and TXT value publishing the signer's key
func (s *Signer) Record() (name, value string, err error) {
	value, err = TXTRecord(s.key.Public())
	if err != nil {
		return "", "", err
	}
	return RecordName(s.selector, s.domain), value, nil
}

// presentHeaders filters SignedHeaders down to the ones in message.
// From is always kept since the signature is invalid without it.
func presentHeaders(message []byte) []string {
	end := bytes.Index(message, []byte("\r\n\r\n"))
	if end < 0 {
		end = bytes.Index(message, []byte("\n\n"))
	}
	if end < 0 {
		end = len(message)
	}

	seen := make(map[string]bool)
	for _, line := range strings.Split(string(message[:end]), "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if colon := strings.IndexByte(line, ':'); colon > 0 {
			seen[strings.ToLower(strings.TrimSpace(line[:colon]))] = true
		}
	}

	keys := make([]string, 0, len(SignedHeaders))
	for _, h := range SignedHeaders {
		if h == "From" || seen[strings.ToLower(h)] {
			keys = append(keys, h)
		}
	}
	return keys
}
