package smtpengine

// ExtractAddress pulls the bare address out of a "Name <addr>"-style header
// value for SMTP envelope use: a single left-to-right scan tracking
// paren-comment depth, quoted-string state, and the start of an angle-addr.
// If no angle-address is found the whole input is returned unchanged. This
// is looser than net/mail's address grammar on purpose: header values like
// "(comment <x>) <a@b.c>" still yield the angle-addr.
func ExtractAddress(address string) string {
	parenDepth := 0
	addrStart := -1
	inQuote := false

	runes := []rune(address)
	for i, ch := range runes {
		switch {
		case inQuote:
			if ch == '"' {
				inQuote = false
			}
		case addrStart != -1:
			if ch == '>' {
				return string(runes[addrStart:i])
			}
		case ch == '(':
			parenDepth++
		case ch == ')':
			parenDepth--
			if parenDepth < 0 {
				parenDepth = 0
			}
		case ch == '"':
			if parenDepth == 0 {
				inQuote = true
			}
		case ch == '<':
			if parenDepth == 0 {
				addrStart = i + 1
			}
		}
	}
	return address
}
