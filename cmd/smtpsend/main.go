// Command smtpsend is a minimal embedder of the smtpengine session: it
// wires a Config and one Message together and reports the resulting
// events to stderr.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/halyard-dev/smtpengine"
	"github.com/spf13/cobra"
)

var (
	flagHost    string
	flagPort    uint16
	flagMode    string
	flagUser    string
	flagPass    string
	flagFrom    string
	flagTo      []string
	flagSubject string
	flagBody    string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "smtpsend",
	Short: "send one e-mail through an smtpengine session",
	RunE:  runSend,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagHost, "host", "", "SMTP server hostname (required)")
	flags.Uint16Var(&flagPort, "port", 587, "SMTP server port")
	flags.StringVar(&flagMode, "mode", "STARTTLS", "UNENCRYPTED, STARTTLS, or FORCETLS")
	flags.StringVar(&flagUser, "user", "", "AUTH username")
	flags.StringVar(&flagPass, "pass", "", "AUTH password")
	flags.StringVar(&flagFrom, "from", "", "sender address (required)")
	flags.StringArrayVar(&flagTo, "to", nil, "recipient address (repeatable, required)")
	flags.StringVar(&flagSubject, "subject", "", "message subject")
	flags.StringVar(&flagBody, "body", "", "message body text")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "log the full SMTP conversation")

	rootCmd.MarkFlagRequired("host")
	rootCmd.MarkFlagRequired("from")
	rootCmd.MarkFlagRequired("to")
}

func runSend(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var mode smtpengine.ClientMode
	switch flagMode {
	case "UNENCRYPTED":
		mode = smtpengine.ModeUnencrypted
	case "STARTTLS":
		mode = smtpengine.ModeSTARTTLS
	case "FORCETLS":
		mode = smtpengine.ModeForceTLS
	default:
		return fmt.Errorf("unknown --mode %q", flagMode)
	}

	cfg := smtpengine.Config{
		Host:     flagHost,
		Port:     flagPort,
		Mode:     mode,
		Username: flagUser,
		Password: flagPass,
		Timeout:  30 * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	done := make(chan error, 1)
	events := &smtpengine.EventHandler{
		Connected:     func() { logger.Info("connected") },
		Encrypted:     func() { logger.Info("encrypted") },
		Authenticated: func() { logger.Info("authenticated") },
		MailSent: func(id uint64) {
			logger.Info("mail sent", slog.Uint64("id", id))
		},
		MailFailed: func(id uint64, err error) {
			logger.Error("mail failed", slog.Uint64("id", id), slog.Any("err", err))
			done <- err
		},
		SenderRejected: func(id uint64, sender string, resp smtpengine.Response) {
			logger.Warn("sender rejected",
				slog.Uint64("id", id), slog.String("sender", sender), slog.String("reply", resp.Joined()))
		},
		RecipientRejected: func(id uint64, rcpt string, resp smtpengine.Response) {
			logger.Warn("recipient rejected",
				slog.Uint64("id", id), slog.String("rcpt", rcpt), slog.String("reply", resp.Joined()))
		},
		ConnectionFailed: func(err error) {
			logger.Error("connection failed", slog.Any("err", err))
			done <- err
		},
		AuthenticationFailed: func(err error) {
			logger.Error("authentication failed", slog.Any("err", err))
			done <- err
		},
		Finished: func() {
			logger.Info("finished")
			done <- nil
		},
	}

	transport := smtpengine.NewNetTransport()
	if flagVerbose {
		transport = smtpengine.NewConversationLogger(transport, logger, os.Stderr)
	}

	sess := smtpengine.NewSession(cfg, transport, events)

	msg := smtpengine.NewMessage()
	msg.Sender = flagFrom
	msg.To = flagTo
	msg.Subject = flagSubject
	msg.Body = flagBody
	sess.Send(msg)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	go func() {
		if err := sess.Run(ctx); err != nil {
			select {
			case done <- err:
			default:
			}
		}
	}()

	return <-done
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
