package smtpengine

import (
	"context"
	"strings"
)

// SessionState is the protocol dialog position: greeting, EHLO/HELO,
// STARTTLS, the AUTH sub-dialog, then the MAIL/RCPT/DATA cycle with RSET
// between queued messages.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateStartState
	StateEhloSent
	StateEhloDone
	StateHeloSent
	StateStartTlsSent
	StateAuthRequestSent
	StateAuthUsernameSent
	StateAuthSent
	StateAuthenticated
	StateWaiting
	StateMailFromSent
	StateRcptSent
	StateRcptAckPending
	StateSendingBody
	StateBodySent
	StateResetting
	StateQuitting
)

type pendingMessage struct {
	id         uint64
	msg        *Message
	recipients []string
}

// Session drives one SMTP connection's dialog end to end: greeting,
// EHLO/HELO, STARTTLS, AUTH, and the MAIL/RCPT/DATA cycle for every queued
// Message, emitting lifecycle events through EventHandler as it goes. A
// Session is single-threaded and imposes no locking: all transitions run on
// the goroutine calling Run (or, for Send before connect, the caller's).
type Session struct {
	cfg       Config
	transport Transport
	events    *EventHandler

	parser ResponseParser
	state  SessionState

	extensions map[string]string
	pipelining bool
	encrypted  bool

	authType AuthType

	nextID  uint64
	pending []*pendingMessage

	// Per-message envelope progress. rcptNumber counts replies consumed
	// against len(recipients); rcptAcked counts accepted recipients; mailAck
	// flips once MAIL FROM is accepted.
	mailAck    bool
	rcptAcked  int
	rcptNumber int
}

// NewSession constructs a Session bound to cfg's credentials/auth policy,
// driving transport and reporting through events (nil is a valid no-op
// handler set).
func NewSession(cfg Config, transport Transport, events *EventHandler) *Session {
	if events == nil {
		events = &EventHandler{}
	}
	if cfg.AllowedAuth == 0 {
		cfg.AllowedAuth = AuthPlain | AuthLogin | AuthCRAMMD5
	}
	return &Session{
		cfg:       cfg,
		transport: transport,
		events:    events,
		state:     StateDisconnected,
	}
}

// Connect dials cfg.Addr(), optionally wrapping in TLS immediately when
// cfg.Mode is ModeForceTLS, and transitions to StateStartState to await the
// server greeting.
func (s *Session) Connect(ctx context.Context) error {
	s.state = StateConnecting
	if err := s.transport.Connect(ctx, s.cfg.Network(), s.cfg.Addr()); err != nil {
		s.state = StateDisconnected
		s.events.fireConnectionFailed(wrapSMTPError(KindTransport, err))
		return err
	}
	if s.cfg.Mode == ModeForceTLS {
		if err := s.transport.StartTLS(TLSConfig(s.cfg.Host)); err != nil {
			s.events.fireEncryptionFailed(wrapSMTPError(KindTLS, err))
			s.transport.Close()
			s.state = StateDisconnected
			return err
		}
		s.encrypted = true
	}
	s.state = StateStartState
	s.events.fireConnected()
	return nil
}

// ConnectSecure dials with the socket wrapped in TLS before any SMTP bytes
// move, regardless of the configured Mode.
func (s *Session) ConnectSecure(ctx context.Context) error {
	s.cfg.Mode = ModeForceTLS
	return s.Connect(ctx)
}

// Disconnect sends QUIT and closes the transport without draining the
// pending queue; queued messages stay queued with no per-message events.
func (s *Session) Disconnect() {
	if s.state != StateDisconnected && s.state != StateConnecting {
		s.state = StateQuitting
		s.transport.Write([]byte("quit\r\n"))
	}
	s.transport.Close()
	s.state = StateDisconnected
	s.events.fireDisconnected(nil)
}

// Send enqueues msg and returns its message ID. If the session is idle, it
// immediately kicks sendNext.
func (s *Session) Send(msg *Message) uint64 {
	s.nextID++
	id := s.nextID
	s.pending = append(s.pending, &pendingMessage{id: id, msg: msg})
	if s.state == StateWaiting {
		s.sendNext()
	}
	return id
}

// PendingCount reports how many messages remain queued, including any
// in-flight head message.
func (s *Session) PendingCount() int { return len(s.pending) }

// HasExtension reports whether the last EHLO advertised name (case-
// insensitive).
func (s *Session) HasExtension(name string) bool {
	_, ok := s.extensions[strings.ToUpper(name)]
	return ok
}

// ExtensionData returns the parameter string for an advertised extension.
func (s *Session) ExtensionData(name string) (string, bool) {
	v, ok := s.extensions[strings.ToUpper(name)]
	return v, ok
}

// SetAuthEnabled toggles whether mech may be chosen during authenticate().
func (s *Session) SetAuthEnabled(mech AuthType, enable bool) {
	if enable {
		s.cfg.AllowedAuth |= mech
	} else {
		s.cfg.AllowedAuth &^= mech
	}
}

// IsAuthEnabled reports whether mech is currently allowed.
func (s *Session) IsAuthEnabled(mech AuthType) bool {
	return s.cfg.AllowedAuth.Has(mech)
}

// Run blocks reading from the transport and driving the state machine
// until the transport errors, the context is cancelled, or the session
// reaches StateDisconnected. Each read's bytes pass through the parser and
// every completed reply is handled synchronously before the next read.
func (s *Session) Run(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := s.transport.Read(buf)
		if err != nil {
			if s.state != StateDisconnected {
				s.state = StateDisconnected
				s.events.fireDisconnected(err)
			}
			return err
		}

		if err := s.parser.Feed(buf[:n]); err != nil {
			s.state = StateDisconnected
			s.events.fireConnectionFailed(wrapSMTPError(KindProtocol, err))
			s.transport.Close()
			s.events.fireDisconnected(err)
			return err
		}

		for {
			resp, ok := s.parser.Take()
			if !ok {
				break
			}
			s.handleResponse(resp)
			if s.state == StateDisconnected {
				s.events.fireDisconnected(nil)
				return nil
			}
		}
	}
}

func (s *Session) handleResponse(resp Response) {
	switch s.state {
	case StateStartState:
		if !resp.IsPositive() {
			s.state = StateDisconnected
			s.events.fireConnectionFailed(newSMTPError(KindProtocol, resp.Code, resp.Joined()))
			s.transport.Close()
			return
		}
		s.sendEhlo()

	case StateEhloSent, StateHeloSent:
		s.parseGreetingReply(resp)

	case StateStartTlsSent:
		if resp.Code == 220 {
			if err := s.transport.StartTLS(TLSConfig(s.cfg.Host)); err != nil {
				s.events.fireEncryptionFailed(wrapSMTPError(KindTLS, err))
				s.state = StateDisconnected
				s.transport.Close()
				return
			}
			s.encrypted = true
			s.events.fireEncrypted()
			s.sendEhlo()
		} else {
			s.authenticate()
		}

	case StateAuthRequestSent, StateAuthUsernameSent:
		s.continueAuth(resp)

	case StateAuthSent:
		if resp.IsPositive() {
			s.state = StateAuthenticated
			s.events.fireAuthenticated()
			s.sendNext()
		} else {
			s.state = StateDisconnected
			s.events.fireAuthenticationFailed(newSMTPError(KindAuth, resp.Code, resp.Joined()))
			s.transport.Close()
		}

	case StateMailFromSent, StateRcptSent, StateRcptAckPending:
		s.handleEnvelopeReply(resp)

	case StateSendingBody:
		s.handleDataReply(resp)

	case StateBodySent:
		head := s.pending[0]
		if resp.IsPositive() {
			s.events.fireMailSent(head.id)
		} else {
			s.events.fireMailFailed(head.id, newSMTPError(KindData, resp.Code, resp.Joined()))
		}
		s.dropHead()
		s.sendNext()

	case StateResetting:
		if resp.IsPositive() {
			s.state = StateWaiting
			s.sendNext()
		} else {
			s.events.fireConnectionFailed(newSMTPError(KindProtocol, resp.Code, resp.Joined()))
			s.state = StateDisconnected
			s.transport.Close()
		}
	}
}

// sendEhlo issues "EHLO [local-addr]" and clears the extension table; the
// reply rebuilds it.
func (s *Session) sendEhlo() {
	addr := s.transport.LocalAddr()
	if addr == "" {
		addr = "127.0.0.1"
	}
	s.transport.Write([]byte("EHLO [" + addr + "]\r\n"))
	s.extensions = map[string]string{}
	s.state = StateEhloSent
}

// parseGreetingReply handles the EHLO/HELO reply: on a non-250 EHLO, fall
// back once to a bare HELO (argument-less, against RFC 5321's letter, for
// servers old enough to reject EHLO outright); on a second failure, QUIT
// and disconnect. On 250, rebuild the extension table and proceed to
// STARTTLS or authenticate().
func (s *Session) parseGreetingReply(resp Response) {
	if resp.Code != 250 {
		if s.state != StateHeloSent {
			s.transport.Write([]byte("HELO\r\n"))
			s.state = StateHeloSent
			return
		}
		s.transport.Write([]byte("QUIT\r\n"))
		s.transport.Close()
		s.state = StateDisconnected
		s.events.fireConnectionFailed(newSMTPError(KindProtocol, resp.Code, resp.Joined()))
		return
	}

	s.state = StateEhloDone
	s.extensions = map[string]string{}
	for _, line := range resp.TextLines[minInt(1, len(resp.TextLines)):] {
		name, value := splitExtensionLine(line)
		s.extensions[name] = value
	}
	s.pipelining = s.HasExtension("PIPELINING")
	s.parser.Pipelining = s.pipelining

	if _, ok := s.extensions["STARTTLS"]; ok && !s.cfg.DisableStartTLS() && !s.encrypted {
		s.transport.Write([]byte("starttls\r\n"))
		s.state = StateStartTlsSent
		return
	}
	s.authenticate()
}

func splitExtensionLine(line string) (name, value string) {
	fields := strings.SplitN(line, " ", 2)
	name = strings.ToUpper(fields[0])
	if len(fields) > 1 {
		value = fields[1]
	}
	return
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// authenticate skips auth entirely if the server offers no AUTH extension
// or no credentials were configured, otherwise picks the first mutually
// allowed mechanism in CRAM-MD5 > PLAIN > LOGIN preference order.
func (s *Session) authenticate() {
	authLine, hasAuth := s.extensions["AUTH"]
	if !hasAuth || s.cfg.Username == "" || s.cfg.Password == "" {
		s.state = StateAuthenticated
		s.events.fireAuthenticated()
		s.sendNext()
		return
	}

	offered := parseAuthTypes(authLine)
	allowed := s.cfg.AllowedAuth

	switch {
	case offered.Has(AuthCRAMMD5) && allowed.Has(AuthCRAMMD5):
		s.authType = AuthCRAMMD5
		s.transport.Write([]byte("auth cram-md5\r\n"))
	case offered.Has(AuthPlain) && allowed.Has(AuthPlain):
		s.authType = AuthPlain
		s.transport.Write([]byte("auth plain\r\n"))
	case offered.Has(AuthLogin) && allowed.Has(AuthLogin):
		s.authType = AuthLogin
		s.transport.Write([]byte("auth login\r\n"))
	default:
		// Credentials were configured but the server offers no mechanism we
		// are allowed to use. A hard auth failure, not a silent skip.
		s.state = StateDisconnected
		s.events.fireAuthenticationFailed(newSMTPError(KindAuth, 0, "no mutually supported AUTH mechanism"))
		s.transport.Close()
		return
	}
	s.state = StateAuthRequestSent
}

// continueAuth drives the per-mechanism sub-dialog once the server replies
// 334 to the AUTH command or an intermediate step.
func (s *Session) continueAuth(resp Response) {
	if resp.Code != 334 {
		s.state = StateDisconnected
		s.events.fireAuthenticationFailed(newSMTPError(KindAuth, resp.Code, resp.Joined()))
		s.transport.Close()
		return
	}

	switch s.authType {
	case AuthPlain:
		s.transport.Write([]byte(authPlainPayload(s.cfg.Username, s.cfg.Password) + "\r\n"))
		s.state = StateAuthSent

	case AuthLogin:
		if s.state == StateAuthRequestSent {
			s.transport.Write([]byte(authLoginUsernamePayload(s.cfg.Username) + "\r\n"))
			s.state = StateAuthUsernameSent
		} else {
			s.transport.Write([]byte(authLoginPasswordPayload(s.cfg.Password) + "\r\n"))
			s.state = StateAuthSent
		}

	case AuthCRAMMD5:
		challenge := resp.Joined()
		payload, err := authCRAMMD5Payload(s.cfg.Username, s.cfg.Password, challenge)
		if err != nil {
			s.state = StateDisconnected
			s.events.fireAuthenticationFailed(wrapSMTPError(KindAuth, err))
			s.transport.Close()
			return
		}
		s.transport.Write([]byte(payload + "\r\n"))
		s.state = StateAuthSent
	}
}

// sendNext starts the envelope phase for the head of the queue, or goes
// idle (Waiting, Finished event) when the queue is empty. Reached
// mid-transaction — after BodySent, or after a per-message failure — it
// first flushes with RSET. StateAuthenticated counts as ready alongside
// Waiting: it is the post-AUTH entry into the first transaction, where
// there is nothing to reset.
func (s *Session) sendNext() {
	if s.state == StateDisconnected {
		return
	}
	if len(s.pending) == 0 {
		s.state = StateWaiting
		s.events.fireFinished()
		return
	}
	if s.state != StateWaiting && s.state != StateAuthenticated {
		s.state = StateResetting
		s.transport.Write([]byte("rset\r\n"))
		return
	}

	head := s.pending[0]
	head.recipients = head.msg.Recipients()
	s.mailAck = false
	s.rcptAcked = 0
	s.rcptNumber = 0

	if len(head.recipients) == 0 {
		s.events.fireMailFailed(head.id, newSMTPError(KindEnvelope, 0, ErrNoRecipients.Error()))
		s.dropHead()
		s.sendNext()
		return
	}

	// Verbs are deliberately lowercased: some servers (gmail, historically)
	// misread a line starting with an uppercase R after TLS renegotiation as
	// a renegotiation request.
	sender := ExtractAddress(head.msg.Sender)
	s.transport.Write([]byte("mail from:<" + sender + ">\r\n"))

	if s.pipelining {
		for _, rcpt := range head.recipients {
			s.transport.Write([]byte("rcpt to:<" + ExtractAddress(rcpt) + ">\r\n"))
		}
		s.state = StateRcptAckPending
	} else {
		s.state = StateMailFromSent
	}
}

// handleEnvelopeReply unifies the non-pipelined one-reply-at-a-time walk
// (MailFromSent/RcptSent) and the pipelined ack-counting walk
// (RcptAckPending): every reply, starting with MAIL FROM's own, passes
// through here. rcptNumber counts consumed replies against
// len(recipients), so a rejected MAIL FROM in pipelined mode still absorbs
// the replies to the RCPT commands already on the wire instead of leaking
// them into the next state. Once every expected reply is accounted for and
// nothing was accepted, the message is dropped from the head and the
// session enters Resetting.
func (s *Session) handleEnvelopeReply(resp Response) {
	head := s.pending[0]

	if !resp.IsPositive() {
		if !s.mailAck {
			s.events.fireSenderRejected(head.id, head.msg.Sender, resp)
			if s.state != StateRcptAckPending && s.rcptNumber == 0 {
				// Non-pipelined MAIL FROM rejection: no RCPT is on the wire
				// yet, so nothing further needs absorbing.
				s.events.fireMailFailed(head.id, newSMTPError(KindEnvelope, resp.Code, resp.Joined()))
				s.dropHead()
				s.state = StateResetting
				s.transport.Write([]byte("rset\r\n"))
				return
			}
		} else {
			recipient := ""
			if i := s.rcptNumber - 1; i >= 0 && i < len(head.recipients) {
				recipient = head.recipients[i]
			}
			s.events.fireRecipientRejected(head.id, recipient, resp)
		}
	} else if !s.mailAck {
		s.mailAck = true
	} else {
		s.rcptAcked++
	}

	if s.rcptNumber == len(head.recipients) {
		// All replies accounted for.
		if s.rcptAcked == 0 {
			s.events.fireMailFailed(head.id, newSMTPError(KindEnvelope, resp.Code, resp.Joined()))
			s.dropHead()
			s.state = StateResetting
			s.transport.Write([]byte("rset\r\n"))
			return
		}
		s.transport.Write([]byte("data\r\n"))
		s.state = StateSendingBody
		return
	}

	if s.state != StateRcptAckPending {
		next := head.recipients[s.rcptNumber]
		s.transport.Write([]byte("rcpt to:<" + ExtractAddress(next) + ">\r\n"))
		s.state = StateRcptSent
	}
	s.rcptNumber++
}

func (s *Session) handleDataReply(resp Response) {
	head := s.pending[0]
	if resp.Code != 354 {
		s.events.fireMailFailed(head.id, newSMTPError(KindData, resp.Code, resp.Joined()))
		s.dropHead()
		s.sendNext()
		return
	}

	raw, err := RenderMessage(head.msg, s.transport.LocalAddr(), s.HasExtension("8BITMIME"))
	if err != nil {
		s.events.fireMailFailed(head.id, wrapSMTPError(KindData, err))
		s.dropHead()
		s.sendNext()
		return
	}
	s.transport.Write(raw)
	s.transport.Write([]byte(".\r\n"))
	s.state = StateBodySent
}

func (s *Session) dropHead() {
	if len(s.pending) == 0 {
		return
	}
	s.pending = s.pending[1:]
}
