package smtpengine

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ClientMode picks how the transport is secured before the SMTP dialog
// begins.
type ClientMode uint8

const (
	ModeUnencrypted ClientMode = iota
	ModeSTARTTLS
	ModeForceTLS
)

var errInvalidMode = errors.New("valid ClientModes are: UNENCRYPTED, STARTTLS, or FORCETLS")

// UnmarshalJSON accepts the mode as a case-insensitive string token.
func (m *ClientMode) UnmarshalJSON(v []byte) error {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNENCRYPTED":
		*m = ModeUnencrypted
	case "STARTTLS":
		*m = ModeSTARTTLS
	case "FORCETLS":
		*m = ModeForceTLS
	default:
		return errInvalidMode
	}
	return nil
}

// Config is the session's connection and authentication configuration.
// Validated with github.com/go-playground/validator/v10 struct tags.
type Config struct {
	Host string `validate:"required,hostname|ip"`
	Port uint16 `validate:"required"`

	Mode ClientMode

	// DisableStartTLSOpt disables STARTTLS negotiation even if the server
	// advertises it.
	DisableStartTLSOpt bool

	Username string
	Password string

	// AllowedAuth restricts which advertised mechanisms the session may
	// pick, tried in CRAM-MD5 > PLAIN > LOGIN preference order. The zero
	// value is normalized to all three by NewSession.
	AllowedAuth AuthType

	// Proto is the dial network: "tcp", "tcp4", or "tcp6". Defaults to "tcp".
	Proto string `validate:"omitempty,oneof=tcp tcp4 tcp6"`

	// Timeout is carried for the embedder (cmd/smtpsend bounds its whole
	// send with it through a context). Session and the Transport returned
	// by NewNetTransport do not apply it to any network operation.
	Timeout time.Duration
}

var cfgValidate = validator.New()

// Validate checks Config's struct tags and returns the first violation.
func (c Config) Validate() error {
	return cfgValidate.Struct(c)
}

// Addr returns the "host:port" dial address; Proto (tcp/tcp4/tcp6) is a
// separate dial-network selector, not part of this string.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Network returns the dial network to use, defaulting to "tcp".
func (c Config) Network() string {
	if c.Proto == "" {
		return "tcp"
	}
	return c.Proto
}

// DisableStartTLS reports whether STARTTLS negotiation is disabled even
// when the server advertises it.
func (c Config) DisableStartTLS() bool {
	return c.DisableStartTLSOpt
}

