package smtpengine

import "fmt"

// ErrKind classifies a failure by where in the dialog it arose; the kind
// determines the propagation policy (session-fatal vs per-message).
type ErrKind int

const (
	// KindTransport covers connect/read/write/EOF failures on the socket.
	KindTransport ErrKind = iota
	// KindTLS covers a failed STARTTLS handshake.
	KindTLS
	// KindProtocol covers a malformed reply stream or an out-of-sequence code.
	KindProtocol
	// KindAuth covers a refused AUTH sub-dialog or no mutually-supported mechanism.
	KindAuth
	// KindEnvelope covers MAIL FROM / RCPT TO rejection and no-recipient precheck.
	KindEnvelope
	// KindData covers a DATA command refused by the server.
	KindData
)

func (k ErrKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTLS:
		return "tls"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindEnvelope:
		return "envelope"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// SMTPError is the error type passed to the MailFailed, ConnectionFailed,
// EncryptionFailed and AuthenticationFailed events. A failure caused by a
// server reply carries that reply's Code and Text; the numeric Code is zero
// for client-side failures (e.g. a response-parse error, or the
// no-recipients precheck), and a wrapped transport, TLS or parse error is
// held in Err with Text left empty.
type SMTPError struct {
	Kind ErrKind
	Code int
	Text string
	Err  error // underlying transport/TLS error, if any
}

func (e *SMTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("smtpengine: %s: %v", e.Kind, e.Err)
	}
	if e.Code != 0 {
		return fmt.Sprintf("smtpengine: %s: %d %s", e.Kind, e.Code, e.Text)
	}
	return fmt.Sprintf("smtpengine: %s: %s", e.Kind, e.Text)
}

func (e *SMTPError) Unwrap() error { return e.Err }

func newSMTPError(kind ErrKind, code int, text string) *SMTPError {
	return &SMTPError{Kind: kind, Code: code, Text: text}
}

func wrapSMTPError(kind ErrKind, err error) *SMTPError {
	return &SMTPError{Kind: kind, Err: err}
}

// MailErr enumerates the client-side, non-protocol errors the composer and
// data model can produce.
type MailErr int

const (
	ErrMissingToOrFrom MailErr = iota
	ErrMissingBoundary
	ErrMissingContentType
	ErrNoRecipients
	ErrAttachmentNotReadable
	ErrBadLine
)

func (e MailErr) Error() string {
	switch e {
	case ErrMissingToOrFrom:
		return "must specify at least one `From` address and one `To`/`Cc`/`Bcc` address"
	case ErrMissingBoundary:
		return "no boundary found for multipart entity"
	case ErrMissingContentType:
		return "no Content-Type found for MIME entity"
	case ErrNoRecipients:
		return "e-mail has no recipients"
	case ErrAttachmentNotReadable:
		return "attachment content could not be read"
	case ErrBadLine:
		return "a line must not contain CR or LF"
	default:
		return "unknown MailErr"
	}
}
