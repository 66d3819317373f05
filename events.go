package smtpengine

// EventHandler is a struct of optional callbacks the session invokes as it
// progresses, in the style of net/http/httptrace.ClientTrace: every hook is
// nil-checked before the session calls it, and callbacks run synchronously
// on the session's own goroutine, so a handler must not block or call back
// into the Session that invoked it.
type EventHandler struct {
	// Connected fires once the transport is up, before any SMTP bytes move.
	Connected func()

	// Encrypted fires once STARTTLS completes successfully.
	Encrypted func()

	// EncryptionFailed fires when a TLS handshake fails, either after the
	// server accepts STARTTLS or when connecting in ModeForceTLS. A server
	// that refuses STARTTLS does not fire it: the session goes on to
	// authenticate without TLS.
	EncryptionFailed func(err error)

	// Authenticated fires once an AUTH sub-dialog succeeds, or when AUTH is
	// skipped because the server offers no AUTH extension or no credentials
	// are configured.
	Authenticated func()

	// AuthenticationFailed fires when the server rejects AUTH, or when no
	// mutually supported mechanism exists.
	AuthenticationFailed func(err error)

	// MailSent fires once a queued message's DATA is fully accepted.
	MailSent func(id uint64)

	// MailFailed fires when a queued message is abandoned: a rejected
	// sender, zero accepted recipients, or a rejected DATA/body.
	MailFailed func(id uint64, err error)

	// SenderRejected fires when MAIL FROM gets a negative reply.
	SenderRejected func(id uint64, sender string, resp Response)

	// RecipientRejected fires per-recipient when RCPT TO gets a negative
	// reply; the message may still proceed if at least one other
	// recipient was accepted.
	RecipientRejected func(id uint64, recipient string, resp Response)

	// ConnectionFailed fires when Connect/ConnectSecure cannot establish
	// the transport, and when the session gives up on the connection: a
	// refused greeting, EHLO and HELO both refused, a reply that fails to
	// parse, or a refused RSET.
	ConnectionFailed func(err error)

	// Finished fires once the pending queue drains to empty.
	Finished func()

	// Disconnected fires when the transport of a connected session (one
	// that fired Connected) closes, expected or not.
	Disconnected func(err error)
}

func (h *EventHandler) fireConnected() {
	if h != nil && h.Connected != nil {
		h.Connected()
	}
}

func (h *EventHandler) fireEncrypted() {
	if h != nil && h.Encrypted != nil {
		h.Encrypted()
	}
}

func (h *EventHandler) fireEncryptionFailed(err error) {
	if h != nil && h.EncryptionFailed != nil {
		h.EncryptionFailed(err)
	}
}

func (h *EventHandler) fireAuthenticated() {
	if h != nil && h.Authenticated != nil {
		h.Authenticated()
	}
}

func (h *EventHandler) fireAuthenticationFailed(err error) {
	if h != nil && h.AuthenticationFailed != nil {
		h.AuthenticationFailed(err)
	}
}

func (h *EventHandler) fireMailSent(id uint64) {
	if h != nil && h.MailSent != nil {
		h.MailSent(id)
	}
}

func (h *EventHandler) fireMailFailed(id uint64, err error) {
	if h != nil && h.MailFailed != nil {
		h.MailFailed(id, err)
	}
}

func (h *EventHandler) fireSenderRejected(id uint64, sender string, resp Response) {
	if h != nil && h.SenderRejected != nil {
		h.SenderRejected(id, sender, resp)
	}
}

func (h *EventHandler) fireRecipientRejected(id uint64, recipient string, resp Response) {
	if h != nil && h.RecipientRejected != nil {
		h.RecipientRejected(id, recipient, resp)
	}
}

func (h *EventHandler) fireConnectionFailed(err error) {
	if h != nil && h.ConnectionFailed != nil {
		h.ConnectionFailed(err)
	}
}

func (h *EventHandler) fireFinished() {
	if h != nil && h.Finished != nil {
		h.Finished()
	}
}

func (h *EventHandler) fireDisconnected(err error) {
	if h != nil && h.Disconnected != nil {
		h.Disconnected(err)
	}
}
