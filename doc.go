/*
Package smtpengine is an event-driven SMTP client engine for nerds.

How to Use

	1. Build a Config (host, port, mode, credentials)
	2. Create a Transport and a Session around it
	3. Queue messages with Send
	4. Connect, then drive the read loop with Run and watch the EventHandler callbacks

Example

	cfg := smtpengine.Config{
		Host:     "mailserver.com",
		Port:     587,
		Mode:     smtpengine.ModeSTARTTLS,
		Username: user,
		Password: pass,
	}

	sess := smtpengine.NewSession(cfg, smtpengine.NewNetTransport(), &smtpengine.EventHandler{
		MailSent:   func(id uint64) { ... },
		MailFailed: func(id uint64, err error) { ... },
		Finished:   func() { ... },
	})

	msg := smtpengine.NewMessage()
	msg.Sender = "from@example.com"
	msg.To = []string{"to@example.com"}
	msg.Subject = "hello"
	msg.Body = "world"
	sess.Send(msg)

	if err := sess.Connect(ctx); err != nil {
		...
	}
	go sess.Run(ctx)

The session is a single-threaded state machine: Run blocks reading bytes
off the Transport and feeding them through a ResponseParser, dispatching
each parsed Response to the state handler. Send enqueues; when the session
is idle (Waiting) it also starts the next transaction at once, writing
MAIL FROM to the Transport on the caller's goroutine.
*/
package smtpengine
