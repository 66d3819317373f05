package smtpengine

import (
	"crypto/tls"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	ansiReset = "\u001b[0m"
	ansiSend  = "\u001b[38;5;14m" // cyan, C>
	ansiRecv  = "\u001b[38;5;10m" // green, <S
)

// ConversationLogger wraps a Transport and records every byte moved over
// the wire through log/slog, ANSI-colored by direction when the sink is a
// terminal (detected with github.com/mattn/go-isatty).
type ConversationLogger struct {
	Transport
	logger *slog.Logger
	colors bool
}

// NewConversationLogger wraps inner. out is the stream colors are detected
// against (e.g. os.Stdout); pass nil to always disable color.
func NewConversationLogger(inner Transport, logger *slog.Logger, out *os.File) *ConversationLogger {
	colors := false
	if out != nil {
		colors = isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	}
	return &ConversationLogger{Transport: inner, logger: logger, colors: colors}
}

func (c *ConversationLogger) colorize(text, color string) string {
	if !c.colors {
		return text
	}
	return color + text + ansiReset
}

func (c *ConversationLogger) Write(p []byte) (int, error) {
	c.logger.Debug(c.colorize(string(p), ansiSend), slog.String("dir", "C>"))
	return c.Transport.Write(p)
}

func (c *ConversationLogger) Read(p []byte) (int, error) {
	n, err := c.Transport.Read(p)
	if n > 0 {
		c.logger.Debug(c.colorize(string(p[:n]), ansiRecv), slog.String("dir", "<S"))
	}
	return n, err
}

func (c *ConversationLogger) StartTLS(cfg *tls.Config) error {
	err := c.Transport.StartTLS(cfg)
	if err != nil {
		c.logger.Error("starttls failed", slog.Any("err", err))
	} else {
		c.logger.Debug("starttls negotiated")
	}
	return err
}
