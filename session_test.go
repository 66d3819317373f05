package smtpengine

import (
	"context"
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport test double: it records every
// write and never actually touches the network. Tests drive the session by
// calling handleResponse directly with scripted server replies, the same
// way the real Run loop would after ResponseParser.Take(), without needing
// a goroutine or a real socket.
type fakeTransport struct {
	writes      []string
	localAddr   string
	closeCalled bool
	startTLSErr error
}

func (f *fakeTransport) Connect(ctx context.Context, network, addr string) error { return nil }
func (f *fakeTransport) Write(p []byte) (int, error) {
	f.writes = append(f.writes, string(p))
	return len(p), nil
}
func (f *fakeTransport) Read(p []byte) (int, error)     { return 0, nil }
func (f *fakeTransport) StartTLS(cfg *tls.Config) error { return f.startTLSErr }
func (f *fakeTransport) LocalAddr() string              { return f.localAddr }
func (f *fakeTransport) Close() error                   { f.closeCalled = true; return nil }

func newTestSession(cfg Config) (*Session, *fakeTransport, *testEvents) {
	transport := &fakeTransport{localAddr: "203.0.113.5"}
	ev := &testEvents{}
	sess := NewSession(cfg, transport, ev.handler())
	return sess, transport, ev
}

// testEvents records every event fired, for assertions.
type testEvents struct {
	connected         bool
	encrypted         bool
	encryptionFailed  error
	authenticated     bool
	authFailed        error
	mailSent          []uint64
	mailFailed        map[uint64]error
	senderRejected    []uint64
	recipientRejected []string
	connectionFailed  error
	finished          bool
	disconnected      bool
}

func (e *testEvents) handler() *EventHandler {
	e.mailFailed = map[uint64]error{}
	return &EventHandler{
		Connected:            func() { e.connected = true },
		Encrypted:            func() { e.encrypted = true },
		EncryptionFailed:     func(err error) { e.encryptionFailed = err },
		Authenticated:        func() { e.authenticated = true },
		AuthenticationFailed: func(err error) { e.authFailed = err },
		MailSent:             func(id uint64) { e.mailSent = append(e.mailSent, id) },
		MailFailed:           func(id uint64, err error) { e.mailFailed[id] = err },
		SenderRejected: func(id uint64, sender string, resp Response) {
			e.senderRejected = append(e.senderRejected, id)
		},
		RecipientRejected: func(id uint64, recipient string, resp Response) {
			e.recipientRejected = append(e.recipientRejected, recipient)
		},
		ConnectionFailed: func(err error) { e.connectionFailed = err },
		Finished:         func() { e.finished = true },
		Disconnected:     func(err error) { e.disconnected = true },
	}
}

// Happy path greeting with no STARTTLS/AUTH offered and an empty queue:
// the session goes straight to Waiting+Finished.
func TestSessionHappyPathNoExtensions(t *testing.T) {
	sess, transport, ev := newTestSession(Config{Host: "mail.example.com", Port: 25})
	sess.state = StateStartState

	sess.handleResponse(Response{Code: 220, TextLines: []string{"mail.example.com ESMTP"}})
	require.Equal(t, StateEhloSent, sess.state)
	require.Len(t, transport.writes, 1)
	require.Contains(t, transport.writes[0], "EHLO [203.0.113.5]")

	sess.handleResponse(Response{Code: 250, TextLines: []string{"mail.example.com", "8BITMIME"}})
	require.True(t, ev.authenticated)
	require.True(t, ev.finished)
	require.Equal(t, StateWaiting, sess.state)
}

// STARTTLS negotiated, then AUTH PLAIN.
func TestSessionStartTLSThenPlainAuth(t *testing.T) {
	sess, transport, ev := newTestSession(Config{
		Host: "mail.example.com", Port: 587,
		Username: "user", Password: "pass",
	})
	sess.state = StateStartState

	sess.handleResponse(Response{Code: 220})
	sess.handleResponse(Response{Code: 250, TextLines: []string{"mail.example.com", "STARTTLS", "AUTH PLAIN"}})
	require.Equal(t, StateStartTlsSent, sess.state)
	require.Contains(t, transport.writes[len(transport.writes)-1], "starttls")

	sess.handleResponse(Response{Code: 220, TextLines: []string{"go ahead"}})
	require.True(t, ev.encrypted)
	require.Equal(t, StateEhloSent, sess.state)

	sess.handleResponse(Response{Code: 250, TextLines: []string{"mail.example.com", "AUTH PLAIN"}})
	require.Equal(t, StateAuthRequestSent, sess.state)
	require.Contains(t, transport.writes[len(transport.writes)-1], "auth plain")

	sess.handleResponse(Response{Code: 334, TextLines: []string{""}})
	require.Equal(t, StateAuthSent, sess.state)

	sess.handleResponse(Response{Code: 235, TextLines: []string{"authenticated"}})
	require.True(t, ev.authenticated)
	require.True(t, ev.finished)
}

// A pipelined envelope with one bad and one good recipient still
// proceeds to DATA.
func TestSessionPipelinedMixedRecipients(t *testing.T) {
	sess, transport, ev := newTestSession(Config{Host: "mail.example.com", Port: 25})
	sess.pipelining = true
	sess.state = StateWaiting

	msg := NewMessage()
	msg.Sender = "from@example.com"
	msg.To = []string{"good@example.com", "bad@example.com"}
	sess.Send(msg)

	require.Equal(t, StateRcptAckPending, sess.state)
	require.Len(t, transport.writes, 3)
	require.Contains(t, transport.writes[0], "mail from:<from@example.com>")
	require.Contains(t, transport.writes[1], "rcpt to:<good@example.com>")
	require.Contains(t, transport.writes[2], "rcpt to:<bad@example.com>")

	sess.handleResponse(Response{Code: 250}) // MAIL FROM ack
	sess.handleResponse(Response{Code: 250}) // good@example.com
	sess.handleResponse(Response{Code: 550, TextLines: []string{"no such user"}})

	require.Equal(t, StateSendingBody, sess.state)
	require.Contains(t, transport.writes[len(transport.writes)-1], "data")
	require.Equal(t, []string{"bad@example.com"}, ev.recipientRejected)
}

// Every recipient rejected aborts the message without DATA.
func TestSessionAllRecipientsRejected(t *testing.T) {
	sess, transport, ev := newTestSession(Config{Host: "mail.example.com", Port: 25})
	sess.pipelining = true
	sess.state = StateWaiting

	msg := NewMessage()
	msg.Sender = "from@example.com"
	msg.To = []string{"a@example.com", "b@example.com"}
	id := sess.Send(msg)

	sess.handleResponse(Response{Code: 250})
	sess.handleResponse(Response{Code: 550})
	sess.handleResponse(Response{Code: 550})

	require.Equal(t, []string{"a@example.com", "b@example.com"}, ev.recipientRejected)
	require.Contains(t, ev.mailFailed, id)
	require.Equal(t, 0, sess.PendingCount())

	// The aborted transaction is flushed with RSET before the session goes
	// idle.
	require.Equal(t, StateResetting, sess.state)
	require.Contains(t, transport.writes[len(transport.writes)-1], "rset")
	require.False(t, ev.finished)

	sess.handleResponse(Response{Code: 250}) // RSET ack
	require.True(t, ev.finished)
	require.Equal(t, StateWaiting, sess.state)
	for _, w := range transport.writes {
		require.NotContains(t, w, "data\r\n")
	}
}

// A message queued before connect is sent right
// after the greeting with no RSET in between.
func TestSessionQueuedMailSentAfterGreetingWithoutReset(t *testing.T) {
	sess, transport, ev := newTestSession(Config{Host: "mail.example.com", Port: 25})

	msg := NewMessage()
	msg.Sender = "from@example.com"
	msg.To = []string{"to@example.com"}
	id := sess.Send(msg)

	sess.state = StateStartState
	sess.handleResponse(Response{Code: 220, TextLines: []string{"mail.example.com ESMTP"}})
	sess.handleResponse(Response{Code: 250, TextLines: []string{"mail.example.com", "SIZE 1000000"}})

	require.True(t, ev.authenticated)
	require.Equal(t, StateMailFromSent, sess.state)
	require.Contains(t, transport.writes[len(transport.writes)-1], "mail from:<from@example.com>")
	for _, w := range transport.writes {
		require.NotContains(t, w, "rset")
	}

	sess.handleResponse(Response{Code: 250}) // MAIL FROM ack
	sess.handleResponse(Response{Code: 250}) // RCPT TO ack
	require.Equal(t, StateSendingBody, sess.state)

	sess.handleResponse(Response{Code: 354, TextLines: []string{"go ahead"}})
	require.Equal(t, StateBodySent, sess.state)
	require.Equal(t, ".\r\n", transport.writes[len(transport.writes)-1])

	sess.handleResponse(Response{Code: 250, TextLines: []string{"queued"}})
	require.Equal(t, []uint64{id}, ev.mailSent)
	require.True(t, ev.finished)
}

// A pipelined MAIL FROM rejection must still absorb the replies to the
// RCPT commands already on the wire before flushing with RSET.
func TestSessionPipelinedSenderRejectedAbsorbsRcptReplies(t *testing.T) {
	sess, transport, ev := newTestSession(Config{Host: "mail.example.com", Port: 25})
	sess.pipelining = true
	sess.state = StateWaiting

	msg := NewMessage()
	msg.Sender = "spammer@example.com"
	msg.To = []string{"a@example.com", "b@example.com"}
	id := sess.Send(msg)
	require.Equal(t, StateRcptAckPending, sess.state)

	sess.handleResponse(Response{Code: 550, TextLines: []string{"sender blocked"}})
	require.NotEmpty(t, ev.senderRejected)
	require.Equal(t, 1, sess.PendingCount())
	require.Equal(t, StateRcptAckPending, sess.state)

	sess.handleResponse(Response{Code: 503, TextLines: []string{"bad sequence"}})
	sess.handleResponse(Response{Code: 503, TextLines: []string{"bad sequence"}})

	require.Contains(t, ev.mailFailed, id)
	require.Equal(t, 0, sess.PendingCount())
	require.Equal(t, StateResetting, sess.state)
	require.Contains(t, transport.writes[len(transport.writes)-1], "rset")

	sess.handleResponse(Response{Code: 250})
	require.True(t, ev.finished)
}

// A non-pipelined MAIL FROM rejection fails fast: no RCPT is outstanding,
// so the message is dropped and RSET issued immediately.
func TestSessionSenderRejectedWithoutPipelining(t *testing.T) {
	sess, transport, ev := newTestSession(Config{Host: "mail.example.com", Port: 25})
	sess.state = StateWaiting

	msg := NewMessage()
	msg.Sender = "spammer@example.com"
	msg.To = []string{"a@example.com"}
	id := sess.Send(msg)
	require.Equal(t, StateMailFromSent, sess.state)

	sess.handleResponse(Response{Code: 550, TextLines: []string{"sender blocked"}})

	require.Equal(t, []uint64{id}, ev.senderRejected)
	require.Contains(t, ev.mailFailed, id)
	require.Equal(t, StateResetting, sess.state)
	require.Contains(t, transport.writes[len(transport.writes)-1], "rset")
	for _, w := range transport.writes {
		require.NotContains(t, w, "rcpt to:")
	}
}

// Credentials set but no mutually allowed mechanism is a hard auth failure,
// not a silent skip.
func TestSessionNoMutualAuthMechanismFails(t *testing.T) {
	sess, transport, ev := newTestSession(Config{
		Host: "mail.example.com", Port: 587,
		Username: "user", Password: "pass",
		AllowedAuth: AuthCRAMMD5,
	})
	sess.state = StateEhloSent

	sess.handleResponse(Response{Code: 250, TextLines: []string{"mail.example.com", "AUTH PLAIN LOGIN"}})

	require.Error(t, ev.authFailed)
	require.Equal(t, StateDisconnected, sess.state)
	require.True(t, transport.closeCalled)
}

// A message with no recipients fails client-side before anything reaches
// the wire.
func TestSessionNoRecipientsFailsClientSide(t *testing.T) {
	sess, transport, ev := newTestSession(Config{Host: "mail.example.com", Port: 25})
	sess.state = StateWaiting

	msg := NewMessage()
	msg.Sender = "from@example.com"
	id := sess.Send(msg)

	require.Contains(t, ev.mailFailed, id)
	require.True(t, ev.finished)
	require.Empty(t, transport.writes)
}

// AUTH rejected disconnects the session.
func TestSessionAuthRejectedDisconnects(t *testing.T) {
	sess, transport, ev := newTestSession(Config{
		Host: "mail.example.com", Port: 587,
		Username: "user", Password: "wrong",
	})
	sess.state = StateAuthSent
	sess.authType = AuthPlain

	sess.handleResponse(Response{Code: 535, TextLines: []string{"authentication failed"}})

	require.Error(t, ev.authFailed)
	require.Equal(t, StateDisconnected, sess.state)
	require.True(t, transport.closeCalled)
}

func TestSessionAuthEnableToggle(t *testing.T) {
	sess, _, _ := newTestSession(Config{Host: "mail.example.com", Port: 25})

	require.True(t, sess.IsAuthEnabled(AuthPlain))
	require.True(t, sess.IsAuthEnabled(AuthLogin))
	require.True(t, sess.IsAuthEnabled(AuthCRAMMD5))

	sess.SetAuthEnabled(AuthPlain, false)
	require.False(t, sess.IsAuthEnabled(AuthPlain))
	require.True(t, sess.IsAuthEnabled(AuthLogin))
}

func TestSessionConnectSecureWrapsBeforeGreeting(t *testing.T) {
	sess, _, ev := newTestSession(Config{Host: "mail.example.com", Port: 465})

	require.NoError(t, sess.ConnectSecure(context.Background()))
	require.True(t, sess.encrypted)
	require.True(t, ev.connected)
	require.Equal(t, StateStartState, sess.state)
}

func TestSessionDisconnectSendsQuit(t *testing.T) {
	sess, transport, ev := newTestSession(Config{Host: "mail.example.com", Port: 25})
	sess.state = StateWaiting

	sess.Disconnect()

	require.Contains(t, transport.writes, "quit\r\n")
	require.True(t, transport.closeCalled)
	require.True(t, ev.disconnected)
	require.Equal(t, StateDisconnected, sess.state)
}

// A second queued message triggers RSET before its own
// envelope phase begins.
func TestSessionMultiMessageQueueResetsBetween(t *testing.T) {
	sess, transport, ev := newTestSession(Config{Host: "mail.example.com", Port: 25})
	sess.state = StateWaiting

	first := NewMessage()
	first.Sender = "from@example.com"
	first.To = []string{"to1@example.com"}
	firstID := sess.Send(first)

	second := NewMessage()
	second.Sender = "from@example.com"
	second.To = []string{"to2@example.com"}
	sess.Send(second)

	require.Equal(t, StateMailFromSent, sess.state)

	sess.handleResponse(Response{Code: 250}) // MAIL FROM ack
	sess.handleResponse(Response{Code: 250}) // RCPT TO ack -> DATA
	require.Equal(t, StateSendingBody, sess.state)

	sess.handleResponse(Response{Code: 354}) // go ahead
	require.Equal(t, StateBodySent, sess.state)

	sess.handleResponse(Response{Code: 250}) // body accepted
	require.Contains(t, ev.mailSent, firstID)
	require.Equal(t, StateResetting, sess.state)
	require.Contains(t, transport.writes[len(transport.writes)-1], "rset")

	sess.handleResponse(Response{Code: 250}) // RSET ack
	require.Equal(t, StateMailFromSent, sess.state)
	require.Equal(t, 1, sess.PendingCount())
}
