package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/danmuck/panopticon/internal/rfid"
)

const (
	TypeAuthz = "AUTHZ"
	TypeLog   = "LOG"
	TypeScan  = "SCAN"

	typeSeparator = ": "
)

var (
	ErrMalformedLine = errors.New("session: malformed line")
	ErrLineTooLong   = errors.New("session: line too long")
	ErrInvalidUTF8   = errors.New("session: line is not valid utf-8")
	ErrEmptySecret   = errors.New("session: empty secret")
)

// Message is one decoded protocol line.
type Message struct {
	Type    string
	Payload string
}

// IsKnown reports whether Type is one this protocol version understands.
func (m Message) IsKnown() bool {
	switch m.Type {
	case TypeAuthz, TypeLog, TypeScan:
		return true
	}
	return false
}

// Tag parses a SCAN payload.
func (m Message) Tag() (rfid.TagID, error) {
	if m.Type != TypeScan {
		return rfid.TagID{}, fmt.Errorf("%w: %s is not a scan", ErrMalformedLine, m.Type)
	}
	tag, err := rfid.ParseTagID(m.Payload)
	if err != nil {
		return rfid.TagID{}, fmt.Errorf("%w: %w", ErrMalformedLine, err)
	}
	return tag, nil
}

// ParseLine splits "TYPE: payload". TYPE is one or more uppercase ASCII
// letters. The payload is taken verbatim except for a trailing CR.
func ParseLine(line string) (Message, error) {
	line = strings.TrimSuffix(line, "\r")
	idx := strings.Index(line, typeSeparator)
	if idx <= 0 {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedLine)
	}
	typ := line[:idx]
	for i := 0; i < len(typ); i++ {
		if typ[i] < 'A' || typ[i] > 'Z' {
			return Message{}, fmt.Errorf("%w: type %q", ErrMalformedLine, typ)
		}
	}
	return Message{Type: typ, Payload: line[idx+len(typeSeparator):]}, nil
}

// FormatLine renders a message, newline included.
func FormatLine(typ, payload string) string {
	return typ + typeSeparator + payload + "\n"
}

func AuthzLine(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrEmptySecret
	}
	if strings.ContainsAny(secret, "\r\n") {
		return "", fmt.Errorf("%w: secret contains a line break", ErrMalformedLine)
	}
	return FormatLine(TypeAuthz, secret), nil
}

func ScanLine(tag rfid.TagID) string {
	return FormatLine(TypeScan, tag.String())
}

// LogLine renders "LOG: [LEVEL target] message" with line breaks escaped so
// one record is always one line.
func LogLine(level, target, message string) string {
	return FormatLine(TypeLog, fmt.Sprintf("[%s %s] %s",
		strings.ToUpper(level), target, EscapeLineBreaks(message)))
}

func EscapeLineBreaks(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	r := strings.NewReplacer("\r", `\r`, "\n", `\n`)
	return r.Replace(s)
}

// LineReader reads newline-terminated lines with a byte limit. It never
// buffers more than the limit for a single line.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func NewLineReader(r io.Reader, maxBytes int) *LineReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}
	return &LineReader{r: bufio.NewReaderSize(r, 4096), max: maxBytes}
}

// ReadLine returns the next line without its terminator. A final line with
// no terminator is returned before io.EOF.
func (l *LineReader) ReadLine() (string, error) {
	var buf []byte
	for {
		chunk, err := l.r.ReadSlice('\n')
		if len(buf)+len(chunk) > l.max+2 {
			return "", fmt.Errorf("%w: limit %d", ErrLineTooLong, l.max)
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			buf = bytes.TrimSuffix(buf, []byte{'\n'})
			return l.finish(buf)
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return l.finish(buf)
		default:
			return "", err
		}
	}
}

func (l *LineReader) finish(buf []byte) (string, error) {
	buf = bytes.TrimSuffix(buf, []byte{'\r'})
	if len(buf) > l.max {
		return "", fmt.Errorf("%w: limit %d", ErrLineTooLong, l.max)
	}
	if !utf8.Valid(buf) {
		return "", ErrInvalidUTF8
	}
	return string(buf), nil
}
