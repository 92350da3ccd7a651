package transport

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns an RFC 5322 message id in the sender's domain
func NewMessageID(from string) string {
	return "<" + uuid.New().String() + "@" + addressDomain(from) + ">"
}

// addressDomain returns the lowercased domain of an address, or localhost
func addressDomain(s string) string {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "localhost"
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 0 || at == len(addr.Address)-1 {
		return "localhost"
	}
	return strings.ToLower(addr.Address[at+1:])
}

// BuildMIME renders msg as an RFC 5322 message.
// HTML and text bodies become a multipart/alternative; Bcc never appears
// in the headers. Returns the message and its Message-ID.
func BuildMIME(msg *Message, date time.Time) ([]byte, string, error) {
	from, err := formatAddress(msg.From)
	if err != nil {
		return nil, "", fmt.Errorf("invalid from address: %w", err)
	}
	to, err := formatAddressList(msg.To)
	if err != nil {
		return nil, "", fmt.Errorf("invalid to address: %w", err)
	}
	cc, err := formatAddressList(msg.CC)
	if err != nil {
		return nil, "", fmt.Errorf("invalid cc address: %w", err)
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = NewMessageID(msg.From)
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", from)
	writeHeader(&buf, "To", to)
	if cc != "" {
		writeHeader(&buf, "Cc", cc)
	}
	if msg.ReplyTo != "" {
		replyTo, err := formatAddress(msg.ReplyTo)
		if err != nil {
			return nil, "", fmt.Errorf("invalid reply-to address: %w", err)
		}
		writeHeader(&buf, "Reply-To", replyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID)

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&buf, textproto.CanonicalMIMEHeaderKey(k), mime.QEncoding.Encode("utf-8", msg.Headers[k]))
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	switch {
	case msg.HTML != "" && msg.Text != "":
		mw := multipart.NewWriter(&buf)
		writeHeader(&buf, "Content-Type", mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": mw.Boundary()}))
		buf.WriteString("\r\n")

		for _, part := range []struct{ contentType, body string }{
			{"text/plain; charset=utf-8", msg.Text},
			{"text/html; charset=utf-8", msg.HTML},
		} {
			w, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {part.contentType},
				"Content-Transfer-Encoding": {"quoted-printable"},
			})
			if err != nil {
				return nil, "", fmt.Errorf("failed to create mime part: %w", err)
			}
			if err := writeQuotedPrintable(w, part.body); err != nil {
				return nil, "", err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close mime writer: %w", err)
		}
	case msg.HTML != "":
		writeSinglePart(&buf, "text/html; charset=utf-8")
		if err := writeQuotedPrintable(&buf, msg.HTML); err != nil {
			return nil, "", err
		}
	default:
		writeSinglePart(&buf, "text/plain; charset=utf-8")
		if err := writeQuotedPrintable(&buf, msg.Text); err != nil {
			return nil, "", err
		}
	}

	return buf.Bytes(), messageID, nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeSinglePart(buf *bytes.Buffer, contentType string) {
	writeHeader(buf, "Content-Type", contentType)
	writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
}

func writeQuotedPrintable(w interface{ Write([]byte) (int, error) }, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(normalizeNewlines(body))); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	return nil
}

// normalizeNewlines converts bare LF to CRLF
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func formatAddress(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

func formatAddressList(list []string) (string, error) {
	out := make([]string, 0, len(list))
	for _, s := range list {
		formatted, err := formatAddress(s)
		if err != nil {
			return "", err
		}
		out = append(out, formatted)
	}
	return strings.Join(out, ", "), nil
}

// envelopeAddress returns the bare address for MAIL FROM and RCPT TO
func envelopeAddress(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}
