package smtpengine

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// maxLineLength is the maximum folded header/base64 line length per
	// RFC 2045 §6.8 and RFC 5322 §2.1.1.
	maxLineLength = 76
	// base64RawPerLine is the input chunk size that encodes to exactly
	// maxLineLength base64 characters (57*4/3 = 76).
	base64RawPerLine = 57
)

// genBoundary returns a MIME multipart boundary token. Generated
// explicitly (google/uuid) rather than through mime/multipart.Writer so
// nested multipart trees (Attachment.Children) can mint their own boundary
// without a Writer per level.
func genBoundary() string {
	return "----=_NextPart_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// generateMessageID returns an RFC 5322 Message-ID: timestamp plus random
// token at the sending host.
func generateMessageID(hostname string) string {
	if hostname == "" {
		hostname = "localhost.localdomain"
	}
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), uuid.New().String(), hostname)
}

// encodeHeaderValue RFC 2047-encodes value if it carries non-ASCII bytes;
// pure-ASCII values pass through untouched.
func encodeHeaderValue(value string) string {
	for i := 0; i < len(value); i++ {
		if value[i] > 127 {
			return mime.QEncoding.Encode("UTF-8", value)
		}
	}
	return value
}

// foldHeaderLine wraps "name: value" at maxLineLength, starting each
// continuation line with a single space per RFC 5322 §2.2.3 folding.
func foldHeaderLine(name, value string) string {
	line := name + ": " + value
	if len(line) <= maxLineLength {
		return line + "\r\n"
	}

	var out strings.Builder
	col := 0
	words := strings.Split(line, " ")
	for i, w := range words {
		sep := ""
		if i > 0 {
			sep = " "
		}
		if col > 0 && col+len(sep)+len(w) > maxLineLength {
			out.WriteString("\r\n ")
			col = 1
			sep = ""
		}
		out.WriteString(sep)
		out.WriteString(w)
		col += len(sep) + len(w)
	}
	out.WriteString("\r\n")
	return out.String()
}

// bodyEncoding returns the Content-Transfer-Encoding token for the text
// body: quoted-printable normally, 8bit when the server advertised 8BITMIME.
func bodyEncoding(eightBit bool) string {
	if eightBit {
		return "8bit"
	}
	return "quoted-printable"
}

// renderHeaders builds the ordered RFC 5322 header block for msg and
// returns it together with the multipart/mixed boundary announced in
// Content-Type (empty when the message has no attachments). Bcc is
// deliberately never rendered: it only ever reaches the wire via the
// envelope RCPT commands (see Message.Recipients).
func renderHeaders(msg *Message, hostname string, eightBit bool) ([]byte, string) {
	var buf bytes.Buffer

	writeHeader := func(name, value string) {
		buf.WriteString(foldHeaderLine(name, encodeHeaderValue(value)))
	}

	if v, ok := msg.ExtraHeaders.Get("date"); ok {
		writeHeader("Date", v)
	} else {
		writeHeader("Date", time.Now().Format(time.RFC1123Z))
	}
	if v, ok := msg.ExtraHeaders.Get("from"); ok {
		writeHeader("From", v)
	} else if msg.Sender != "" {
		writeHeader("From", msg.Sender)
	}
	if len(msg.To) > 0 {
		writeHeader("To", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		writeHeader("Cc", strings.Join(msg.Cc, ", "))
	}
	if msg.Subject != "" {
		writeHeader("Subject", msg.Subject)
	}
	writeHeader("MIME-Version", "1.0")
	if v, ok := msg.ExtraHeaders.Get("message-id"); ok {
		writeHeader("Message-Id", v)
	} else {
		writeHeader("Message-Id", generateMessageID(hostname))
	}

	boundary := ""
	if msg.Attachments.Len() > 0 {
		boundary = genBoundary()
		writeHeader("Content-Type", "multipart/mixed; boundary=\""+boundary+"\"")
	} else {
		writeHeader("Content-Type", "text/plain; charset=UTF-8")
		writeHeader("Content-Transfer-Encoding", bodyEncoding(eightBit))
	}

	for _, k := range msg.ExtraHeaders.Keys() {
		switch k {
		case "date", "from", "message-id":
			continue
		}
		v, _ := msg.ExtraHeaders.Get(k)
		writeHeader(canonicalHeaderName(k), v)
	}

	return buf.Bytes(), boundary
}

func canonicalHeaderName(lower string) string {
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

// RenderMessage composes msg into the raw, dot-stuffed RFC 5322 byte
// stream sent as the DATA payload: headers, a blank line, the text body,
// and, if there are attachments, a multipart/mixed tree. Rendering recurses
// directly rather than through mime/multipart.Writer, since
// Attachment.Children forms an arbitrarily nested tree the stdlib writer
// does not model.
func RenderMessage(msg *Message, hostname string, eightBit bool) ([]byte, error) {
	if msg.Sender == "" || len(msg.Recipients()) == 0 {
		return nil, ErrMissingToOrFrom
	}

	var buf bytes.Buffer
	headers, boundary := renderHeaders(msg, hostname, eightBit)
	buf.Write(headers)
	buf.WriteString("\r\n")

	if msg.Attachments.Len() == 0 {
		if err := writeTextBody(&buf, msg.Body, eightBit); err != nil {
			return nil, err
		}
		return dotStuff(buf.Bytes()), nil
	}

	buf.WriteString("This is a multi-part message in MIME format.\r\n")
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: " + bodyEncoding(eightBit) + "\r\n\r\n")
	if err := writeTextBody(&buf, msg.Body, eightBit); err != nil {
		return nil, err
	}

	for _, name := range msg.Attachments.Names() {
		a, _ := msg.Attachments.Get(name)
		buf.WriteString("--" + boundary + "\r\n")
		if err := renderAttachment(&buf, name, a); err != nil {
			return nil, err
		}
	}
	buf.WriteString("--" + boundary + "--\r\n")

	return dotStuff(buf.Bytes()), nil
}

// writeTextBody writes the plain-text part's content: quoted-printable
// encoded, or raw with CRLF-normalized line endings under 8BITMIME.
func writeTextBody(buf *bytes.Buffer, body string, eightBit bool) error {
	if eightBit {
		body = strings.ReplaceAll(body, "\r\n", "\n")
		body = strings.ReplaceAll(body, "\n", "\r\n")
		buf.WriteString(body)
		buf.WriteString("\r\n")
		return nil
	}
	qp := quotedprintable.NewWriter(buf)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	if err := qp.Close(); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	return nil
}

// renderAttachment writes one attachment's headers + body into buf,
// recursing into its children as a nested multipart entity when a is
// itself multipart.
func renderAttachment(buf *bytes.Buffer, filename string, a *Attachment) error {
	for _, k := range a.ExtraHeaders.Keys() {
		v, _ := a.ExtraHeaders.Get(k)
		buf.WriteString(foldHeaderLine(canonicalHeaderName(k), v))
	}

	if a.IsMultipart() {
		boundary := a.Boundary()
		buf.WriteString("Content-Type: " + a.ContentType)
		if !strings.Contains(strings.ToLower(a.ContentType), "boundary=") {
			buf.WriteString("; boundary=\"" + boundary + "\"")
		}
		buf.WriteString("\r\n\r\n")
		if a.Children != nil {
			for _, childName := range a.Children.Names() {
				child, _ := a.Children.Get(childName)
				buf.WriteString("--" + boundary + "\r\n")
				if err := renderAttachment(buf, childName, child); err != nil {
					return err
				}
			}
		}
		buf.WriteString("--" + boundary + "--\r\n")
		return nil
	}

	buf.WriteString("Content-Type: " + a.ContentType + "\r\n")
	buf.WriteString("Content-Disposition: attachment; filename=\"" + filename + "\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")

	content, err := a.RawData()
	if err != nil {
		return err
	}
	base64Wrap(buf, content)
	buf.WriteString("\r\n")
	return nil
}

// base64Wrap encodes b and writes it in maxLineLength-character lines.
func base64Wrap(w *bytes.Buffer, b []byte) {
	lineBuf := make([]byte, maxLineLength)
	for len(b) >= base64RawPerLine {
		base64.StdEncoding.Encode(lineBuf, b[:base64RawPerLine])
		w.Write(lineBuf)
		w.WriteString("\r\n")
		b = b[base64RawPerLine:]
	}
	if len(b) > 0 {
		out := lineBuf[:base64.StdEncoding.EncodedLen(len(b))]
		base64.StdEncoding.Encode(out, b)
		w.Write(out)
		w.WriteString("\r\n")
	}
}

// dotStuff applies RFC 5321 §4.5.2 transparency: any line that begins with
// "." gets a second "." prepended, so the terminating "\r\n.\r\n" sequence
// in DATA is unambiguous.
func dotStuff(data []byte) []byte {
	lines := bytes.Split(data, []byte("\r\n"))
	for i, line := range lines {
		if len(line) > 0 && line[0] == '.' {
			lines[i] = append([]byte{'.'}, line...)
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}
