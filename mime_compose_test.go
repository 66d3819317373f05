package smtpengine

import (
	"bytes"
	"mime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFoldHeaderLineShortPassesThrough(t *testing.T) {
	line := foldHeaderLine("Subject", "hello")
	require.Equal(t, "Subject: hello\r\n", line)
}

func TestFoldHeaderLineWrapsAtMaxLineLength(t *testing.T) {
	long := strings.Repeat("word ", 30)
	line := foldHeaderLine("Subject", long)
	for _, part := range strings.Split(strings.TrimSuffix(line, "\r\n"), "\r\n") {
		require.LessOrEqual(t, len(part), maxLineLength)
	}
	require.True(t, strings.HasPrefix(line, "Subject: word"))
}

func TestEncodeHeaderValueRoundTrip(t *testing.T) {
	value := "Café Reservation"
	encoded := encodeHeaderValue(value)
	require.NotEqual(t, value, encoded)

	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, value, decoded)
}

func TestEncodeHeaderValueLeavesASCIIUntouched(t *testing.T) {
	require.Equal(t, "plain ascii", encodeHeaderValue("plain ascii"))
}

func TestBase64WrapLineLength(t *testing.T) {
	var buf bytes.Buffer
	content := bytes.Repeat([]byte{0x41}, 200)
	base64Wrap(&buf, content)

	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n") {
		require.LessOrEqual(t, len(line), maxLineLength)
	}
}

func TestDotStuffEscapesLeadingDot(t *testing.T) {
	in := []byte("hello\r\n.\r\n..two dots\r\nworld\r\n")
	out := dotStuff(in)
	require.Equal(t, "hello\r\n..\r\n...two dots\r\nworld\r\n", string(out))
}

func TestRenderMessagePlainBody(t *testing.T) {
	msg := NewMessage()
	msg.Sender = "from@example.com"
	msg.To = []string{"to@example.com"}
	msg.Subject = "hi"
	msg.Body = "hello world"

	raw, err := RenderMessage(msg, "mail.example.com", false)
	require.NoError(t, err)
	require.Contains(t, string(raw), "Subject: hi\r\n")
	require.Contains(t, string(raw), "Content-Type: text/plain; charset=UTF-8\r\n")
	require.Contains(t, string(raw), "hello world")
}

func TestRenderMessageRequiresSenderAndRecipient(t *testing.T) {
	msg := NewMessage()
	_, err := RenderMessage(msg, "mail.example.com", false)
	require.ErrorIs(t, err, ErrMissingToOrFrom)
}

func TestRenderMessageWithAttachmentIsMultipart(t *testing.T) {
	msg := NewMessage()
	msg.Sender = "from@example.com"
	msg.To = []string{"to@example.com"}
	msg.Body = "see attached"
	msg.AddAttachment("note.txt", NewAttachment([]byte("hi there"), "text/plain"))

	raw, err := RenderMessage(msg, "mail.example.com", false)
	require.NoError(t, err)
	require.Contains(t, string(raw), "multipart/mixed")
	require.Contains(t, string(raw), `filename="note.txt"`)
	require.Contains(t, string(raw), "Content-Transfer-Encoding: base64")
}

func TestRenderMessageEightBitBody(t *testing.T) {
	msg := NewMessage()
	msg.Sender = "from@example.com"
	msg.To = []string{"to@example.com"}
	msg.Body = "héllo\nsecond line"

	raw, err := RenderMessage(msg, "mail.example.com", true)
	require.NoError(t, err)
	require.Contains(t, string(raw), "Content-Transfer-Encoding: 8bit\r\n")
	require.Contains(t, string(raw), "héllo\r\nsecond line\r\n")
}

func TestRenderMessageEveryLineEndsWithCRLF(t *testing.T) {
	msg := NewMessage()
	msg.Sender = "from@example.com"
	msg.To = []string{"to@example.com"}
	msg.Body = "line one\nline two"
	msg.AddAttachment("blob.bin", NewAttachment(bytes.Repeat([]byte{0xff}, 100), "application/octet-stream"))

	raw, err := RenderMessage(msg, "mail.example.com", false)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(raw, []byte("\r\n")))
	for _, line := range bytes.Split(raw, []byte("\r\n")) {
		require.NotContains(t, string(line), "\n")
	}
}

func TestAttachmentMapRenamesOnCollision(t *testing.T) {
	msg := NewMessage()
	first := msg.AddAttachment("dup.txt", NewAttachment([]byte("a"), "text/plain"))
	second := msg.AddAttachment("dup.txt", NewAttachment([]byte("b"), "text/plain"))
	require.Equal(t, "dup.txt", first)
	require.Equal(t, "dup.txt.1", second)
}
