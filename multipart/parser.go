// Package multipart provides a streaming multipart/form-data parser.
//
// The parser consumes arbitrary network chunks and produces the same parsed
// parts no matter where the input is split, including splits that land in
// the middle of a boundary marker, a header line, or body data. Whenever
// the trailing bytes of the buffered data could still turn out to be a
// boundary marker, they are held back from the sink until more input
// disambiguates them.
package multipart

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/textproto"
	"strings"
)

// Sink receives the decoded parts. Implementations are free to block in any
// callback; the parser sequences the calls through a single dispatch path
// either way.
//
// FileData carries only newly disambiguated bytes; sinks accumulate across
// calls. FinishFile is invoked once the next boundary terminates the part.
type Sink interface {
	StartFile(ctx context.Context, name string, header textproto.MIMEHeader) error
	FileData(ctx context.Context, name string, p []byte) error
	FinishFile(ctx context.Context, name string) error
}

type state int

const (
	stateSeekBoundary state = iota
	stateHeaders
	stateBody
	stateDone
)

// Parser is a streaming state machine over one multipart document.
type Parser struct {
	sink   Sink
	marker []byte // "--" + boundary
	guard  []byte // "\r\n" + marker, the longest hold-back pattern

	state state
	buf   []byte
	name  string // current part name
}

// NewParser creates a parser for the given boundary string (the raw value
// from the Content-Type parameter, without the leading dashes).
func NewParser(sink Sink, boundary string) *Parser {
	marker := append([]byte("--"), boundary...)
	return &Parser{
		sink:   sink,
		marker: marker,
		guard:  append([]byte("\r\n"), marker...),
	}
}

// NewParserForContentType creates a parser from a full Content-Type header
// value such as `multipart/form-data; boundary=xyz`.
func NewParserForContentType(sink Sink, contentType string) (*Parser, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parsing content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("not a multipart content type: %s", mediaType)
	}
	boundary, ok := params["boundary"]
	if !ok || boundary == "" {
		return nil, fmt.Errorf("missing boundary parameter in content type: %s", contentType)
	}
	return NewParser(sink, boundary), nil
}

// Done reports whether the closing boundary has been seen.
func (p *Parser) Done() bool {
	return p.state == stateDone
}

// DataReceived consumes the next chunk. Chunk boundaries carry no meaning;
// the parser may hold back trailing bytes until a later call disambiguates
// them. Data after the closing boundary is ignored.
func (p *Parser) DataReceived(ctx context.Context, chunk []byte) error {
	if p.state == stateDone {
		return nil
	}
	p.buf = append(p.buf, chunk...)

	for {
		switch p.state {
		case stateSeekBoundary:
			i := bytes.Index(p.buf, p.marker)
			if i < 0 {
				// Discard the preamble but keep a tail that could still
				// grow into the marker.
				k := longestSuffixPrefix(p.buf, p.marker)
				p.buf = tail(p.buf, k)
				return nil
			}
			rest := p.buf[i+len(p.marker):]
			if len(rest) < 2 {
				p.buf = trim(p.buf, i)
				return nil
			}
			switch {
			case rest[0] == '-' && rest[1] == '-':
				p.state = stateDone
				p.buf = nil
				return nil
			case rest[0] == '\r' && rest[1] == '\n':
				p.buf = trim(p.buf, i+len(p.marker)+2)
				p.state = stateHeaders
			default:
				// Not a boundary line after all; step past it.
				p.buf = trim(p.buf, i+1)
			}

		case stateHeaders:
			header, consumed, ok := splitHeaderBlock(p.buf)
			if !ok {
				return nil
			}
			parsed, err := parseHeaderBlock(header)
			if err != nil {
				return err
			}
			p.buf = trim(p.buf, consumed)
			p.name = partName(parsed)
			if err := p.sink.StartFile(ctx, p.name, parsed); err != nil {
				return err
			}
			p.state = stateBody

		case stateBody:
			i := bytes.Index(p.buf, p.marker)
			if i < 0 {
				// Flush everything that can no longer be part of a
				// boundary marker (or of the CRLF stripped before one).
				k := max(longestSuffixPrefix(p.buf, p.guard), longestSuffixPrefix(p.buf, p.marker))
				if err := p.flushBody(ctx, len(p.buf)-k); err != nil {
					return err
				}
				return nil
			}
			if len(p.buf) < i+len(p.marker)+2 {
				// Marker found but its disposition is unknown; flush the
				// data before it, minus the CRLF that would be stripped if
				// the marker is confirmed.
				cut := i
				if cut >= 2 && p.buf[cut-2] == '\r' && p.buf[cut-1] == '\n' {
					cut -= 2
				}
				if err := p.flushBody(ctx, cut); err != nil {
					return err
				}
				return nil
			}

			rest := p.buf[i+len(p.marker):]
			closing := rest[0] == '-' && rest[1] == '-'
			next := rest[0] == '\r' && rest[1] == '\n'
			if !closing && !next {
				// Body data that merely looks like a marker.
				if err := p.flushBody(ctx, i+1); err != nil {
					return err
				}
				continue
			}

			data := p.buf[:i]
			data = bytes.TrimSuffix(data, []byte("\r\n"))
			if len(data) > 0 {
				if err := p.sink.FileData(ctx, p.name, data); err != nil {
					return err
				}
			}
			if err := p.sink.FinishFile(ctx, p.name); err != nil {
				return err
			}

			if closing {
				p.state = stateDone
				p.buf = nil
				return nil
			}
			p.buf = trim(p.buf, i+len(p.marker)+2)
			p.state = stateHeaders

		case stateDone:
			p.buf = nil
			return nil
		}
	}
}

// flushBody forwards buf[:n] to the sink and drops it from the buffer.
func (p *Parser) flushBody(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	data := p.buf[:n]
	p.buf = trim(p.buf, n)
	return p.sink.FileData(ctx, p.name, data)
}

// splitHeaderBlock finds the blank line terminating the header block.
// It returns the raw header bytes (without the blank line), the number of
// bytes consumed, and whether the block is complete yet.
func splitHeaderBlock(buf []byte) ([]byte, int, bool) {
	if bytes.HasPrefix(buf, []byte("\r\n")) {
		// Empty header block.
		return nil, 2, true
	}
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, 0, false
	}
	return buf[:idx+2], idx + 4, true
}

func parseHeaderBlock(raw []byte) (textproto.MIMEHeader, error) {
	if len(raw) == 0 {
		return textproto.MIMEHeader{}, nil
	}
	// ReadMIMEHeader wants the terminating blank line.
	block := append(append([]byte{}, raw...), '\r', '\n')
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(block)))
	header, err := tr.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("parsing part headers: %w", err)
	}
	return header, nil
}

// partName extracts the part name from the Content-Disposition header,
// falling back to the filename parameter. Malformed values degrade to a
// permissive manual scan rather than failing the part.
func partName(header textproto.MIMEHeader) string {
	cd := header.Get("Content-Disposition")
	if cd == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		if name, ok := params["name"]; ok {
			return name
		}
		if filename, ok := params["filename"]; ok {
			return filename
		}
	}
	for _, field := range strings.Split(cd, ";") {
		field = strings.TrimSpace(field)
		if value, ok := strings.CutPrefix(field, "name="); ok {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

// trim drops the first n bytes of the buffer, copying the remainder so the
// parser never aliases a caller's chunk.
func trim(buf []byte, n int) []byte {
	if n >= len(buf) {
		return nil
	}
	return append([]byte{}, buf[n:]...)
}

// tail keeps only the last k bytes of the buffer.
func tail(buf []byte, k int) []byte {
	return trim(buf, len(buf)-k)
}

// longestSuffixPrefix returns the length of the longest suffix of buf that
// is a proper prefix of pat.
func longestSuffixPrefix(buf, pat []byte) int {
	maxLen := len(pat) - 1
	if len(buf) < maxLen {
		maxLen = len(buf)
	}
	for k := maxLen; k > 0; k-- {
		if bytes.Equal(buf[len(buf)-k:], pat[:k]) {
			return k
		}
	}
	return 0
}
