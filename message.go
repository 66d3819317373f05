package smtpengine

import (
	"bytes"
	"io"
	"strconv"
	"strings"
)

// headerMap is an insertion-ordered string->string map, used for both
// Message.ExtraHeaders and Attachment.ExtraHeaders so rendering is
// deterministic even though Go maps are not.
type headerMap struct {
	keys []string
	vals map[string]string
}

func newHeaderMap() *headerMap {
	return &headerMap{vals: make(map[string]string)}
}

// Set stores value under the lowercased key, preserving first-insertion
// order on repeated calls with the same key.
func (h *headerMap) Set(key, value string) {
	key = strings.ToLower(key)
	if _, ok := h.vals[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.vals[key] = value
}

func (h *headerMap) Get(key string) (string, bool) {
	v, ok := h.vals[strings.ToLower(key)]
	return v, ok
}

func (h *headerMap) Delete(key string) {
	key = strings.ToLower(key)
	if _, ok := h.vals[key]; !ok {
		return
	}
	delete(h.vals, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

func (h *headerMap) Keys() []string {
	return h.keys
}

func (h *headerMap) Len() int {
	return len(h.keys)
}

// attachmentMap is an insertion-ordered filename->*Attachment mapping.
// Duplicate filenames are renamed "name.1", "name.2", ...
type attachmentMap struct {
	order  []string
	byName map[string]*Attachment
}

func newAttachmentMap() *attachmentMap {
	return &attachmentMap{byName: make(map[string]*Attachment)}
}

func (m *attachmentMap) Add(filename string, a *Attachment) string {
	if _, exists := m.byName[filename]; exists {
		i := 1
		for {
			candidate := filename + "." + strconv.Itoa(i)
			if _, exists := m.byName[candidate]; !exists {
				filename = candidate
				break
			}
			i++
		}
	}
	m.order = append(m.order, filename)
	m.byName[filename] = a
	return filename
}

func (m *attachmentMap) Remove(filename string) {
	if _, ok := m.byName[filename]; !ok {
		return
	}
	delete(m.byName, filename)
	for i, n := range m.order {
		if n == filename {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *attachmentMap) Get(filename string) (*Attachment, bool) {
	a, ok := m.byName[filename]
	return a, ok
}

func (m *attachmentMap) Names() []string {
	return m.order
}

func (m *attachmentMap) Len() int {
	return len(m.order)
}

// Message is an outbound email: the envelope fields, the rendered headers,
// the plain-text body, and an ordered set of attachments (which may
// themselves be nested multipart containers). The session's pending queue
// holds the *Message passed to Send, not a copy; callers must not mutate
// one after handing it to Send.
type Message struct {
	Sender  string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string

	ExtraHeaders *headerMap
	Attachments  *attachmentMap
}

// NewMessage returns an empty, ready-to-populate Message.
func NewMessage() *Message {
	return &Message{
		ExtraHeaders: newHeaderMap(),
		Attachments:  newAttachmentMap(),
	}
}

// AddAttachment appends a to the message's attachment set, renaming on a
// filename collision, and returns the filename actually used.
func (m *Message) AddAttachment(filename string, a *Attachment) string {
	return m.Attachments.Add(filename, a)
}

// Recipients returns To, Cc, and Bcc concatenated in that order: the set
// the session's envelope phase (MAIL FROM/RCPT TO) addresses. Bcc
// participates in the envelope but never in rendered headers.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// Attachment is either an in-memory/streamed binary or text payload, or a
// nested multipart container holding child Attachments.
type Attachment struct {
	ContentType string

	ExtraHeaders *headerMap
	Children     *attachmentMap

	content       []byte
	reader        io.Reader
	cached        []byte
	cachedReady   bool
	DeleteContent bool

	boundary string
}

// NewAttachment wraps an in-memory payload. contentType defaults to
// "text/plain" if empty.
func NewAttachment(content []byte, contentType string) *Attachment {
	a := &Attachment{
		ExtraHeaders: newHeaderMap(),
		content:      content,
	}
	a.SetContentType(contentType)
	return a
}

// NewAttachmentFromReader wraps a streaming source. The bytes are read and
// cached the first time RawData is called; DeleteContent defaults to true
// since the reader is then owned by the attachment.
func NewAttachmentFromReader(r io.Reader, contentType string) *Attachment {
	a := &Attachment{
		ExtraHeaders:  newHeaderMap(),
		reader:        r,
		DeleteContent: true,
	}
	a.SetContentType(contentType)
	return a
}

// SetContentType sets the MIME type. If contentType starts with
// "multipart/" and carries no boundary= parameter, one is synthesized (see
// genBoundary in mime_compose.go); an explicit boundary= is parsed out and
// kept as-is.
func (a *Attachment) SetContentType(contentType string) {
	if contentType == "" {
		contentType = "text/plain"
	}
	a.ContentType = contentType
	if !strings.HasPrefix(strings.ToLower(contentType), "multipart/") {
		return
	}
	if b, ok := parseBoundaryParam(contentType); ok {
		a.boundary = b
		return
	}
	a.boundary = genBoundary()
	a.ContentType = contentType + "; boundary=" + a.boundary
}

// Boundary returns the multipart boundary token, synthesizing one via
// SetContentType("multipart/mixed") first if this attachment was not
// already configured as multipart.
func (a *Attachment) Boundary() string {
	if a.boundary == "" {
		a.SetContentType("multipart/mixed")
	}
	return a.boundary
}

// IsMultipart reports whether this attachment renders as a MIME container:
// either it declares a multipart/* content type, or it has children.
func (a *Attachment) IsMultipart() bool {
	return a.Children != nil && a.Children.Len() > 0 || strings.HasPrefix(strings.ToLower(a.ContentType), "multipart/")
}

// IsText is a best-effort hint: true for content types that are safe to
// treat as textual (text/*, plus a short table of structured-text
// application/* types), false if unsure.
func (a *Attachment) IsText() bool {
	ct := strings.ToLower(a.ContentType)
	if idx := strings.IndexByte(ct, ';'); idx != -1 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(ct)
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/xml", "application/json", "application/xhtml+xml", "application/x-www-form-urlencoded":
		return true
	}
	return false
}

// AddChild appends a child attachment, forcing this attachment into
// multipart/mixed if it was not already multipart, and returns the
// filename actually used after collision renaming.
func (a *Attachment) AddChild(filename string, child *Attachment) string {
	if a.Children == nil {
		a.Children = newAttachmentMap()
	}
	if !strings.HasPrefix(strings.ToLower(a.ContentType), "multipart/") {
		a.SetContentType("multipart/mixed")
	}
	return a.Children.Add(filename, child)
}

// RawData returns the attachment's content bytes, reading and caching a
// streaming source on first call.
func (a *Attachment) RawData() ([]byte, error) {
	if a.content != nil {
		return a.content, nil
	}
	if a.cachedReady {
		return a.cached, nil
	}
	if a.reader == nil {
		return nil, ErrAttachmentNotReadable
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, a.reader); err != nil {
		return nil, err
	}
	a.cached = buf.Bytes()
	a.cachedReady = true
	return a.cached, nil
}

func parseBoundaryParam(contentType string) (string, bool) {
	idx := strings.Index(strings.ToLower(contentType), "boundary=")
	if idx == -1 {
		return "", false
	}
	rest := contentType[idx+len("boundary="):]
	rest = strings.TrimSpace(rest)
	rest = strings.Trim(rest, `"`)
	if i := strings.IndexAny(rest, " ;\r\n"); i != -1 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
