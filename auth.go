package smtpengine

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// AuthType is a bitmask of the AUTH mechanisms a session is willing to
// negotiate (RFC 4954).
type AuthType int

const (
	AuthPlain AuthType = 1 << iota
	AuthLogin
	AuthCRAMMD5
)

func (t AuthType) Has(mech AuthType) bool { return t&mech != 0 }

// parseAuthTypes reads the space-separated mechanism list (the parameter
// string of the EHLO AUTH extension, e.g. "PLAIN LOGIN") into an AuthType
// bitmask. Unknown mechanisms are ignored.
func parseAuthTypes(line string) AuthType {
	var out AuthType
	for _, tok := range strings.Fields(strings.ToUpper(line)) {
		switch tok {
		case "PLAIN":
			out |= AuthPlain
		case "LOGIN":
			out |= AuthLogin
		case "CRAM-MD5":
			out |= AuthCRAMMD5
		}
	}
	return out
}

// authPlainPayload builds the base64 "\0user\0pass" initial-response
// payload for AUTH PLAIN (RFC 4954 / RFC 4616).
func authPlainPayload(username, password string) string {
	raw := "\x00" + username + "\x00" + password
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// authLoginUsernamePayload and authLoginPasswordPayload are the two
// base64-encoded steps of AUTH LOGIN's challenge/response dialog.
func authLoginUsernamePayload(username string) string {
	return base64.StdEncoding.EncodeToString([]byte(username))
}

func authLoginPasswordPayload(password string) string {
	return base64.StdEncoding.EncodeToString([]byte(password))
}

// authCRAMMD5Payload computes the AUTH CRAM-MD5 response (RFC 2195): HMAC-
// MD5 of the base64-decoded server challenge keyed by password, rendered
// as lowercase hex, space-joined with username, then base64-encoded as the
// mechanism requires.
func authCRAMMD5Payload(username, password string, challengeB64 string) (string, error) {
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		return "", err
	}
	mac := hmac.New(md5.New, []byte(password))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	raw := username + " " + digest
	return base64.StdEncoding.EncodeToString([]byte(raw)), nil
}
