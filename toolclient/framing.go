package toolclient

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
)

// DefaultDiagnosticBytes bounds the stderr/stdout tails kept for timeout
// diagnostics (24 KiB total across both rings).
const DefaultDiagnosticBytes = 24 * 1024

// RingBuffer keeps the most recent max bytes written to it. Used for
// stderr tails and non-framed stdout so startup failures stay debuggable
// without unbounded memory.
type RingBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

// NewRingBuffer creates a ring buffer retaining at most max bytes
func NewRingBuffer(max int) *RingBuffer {
	if max <= 0 {
		max = DefaultDiagnosticBytes / 2
	}
	return &RingBuffer{max: max}
}

// Write appends bytes, discarding the oldest when over capacity.
// Never fails; implements io.Writer.
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p...)
	if len(r.data) > r.max {
		r.data = r.data[len(r.data)-r.max:]
	}
	return len(p), nil
}

// String returns the retained tail
func (r *RingBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

// contentLengthHeader is matched case-insensitively at frame boundaries
const contentLengthHeader = "content-length:"

// FrameParser incrementally decodes a JSON-RPC byte stream framed either
// with Content-Length headers (LSP/MCP convention) or as newline-delimited
// JSON. The parser is lenient: it prefers Content-Length when a header is
// present in the pending bytes, and otherwise line-splits and attempts to
// parse each line as JSON. Bytes that parse as neither are handed to the
// junk sink and dropped.
type FrameParser struct {
	buf  []byte
	junk func([]byte)
}

// NewFrameParser creates a parser. junk receives non-frame bytes (may be
// nil to discard them).
func NewFrameParser(junk func([]byte)) *FrameParser {
	return &FrameParser{junk: junk}
}

// Feed appends bytes and returns every complete JSON message decoded so
// far. Incomplete trailing data is buffered for the next Feed.
func (p *FrameParser) Feed(data []byte) []json.RawMessage {
	p.buf = append(p.buf, data...)

	var frames []json.RawMessage
	for {
		frame, ok := p.next()
		if !ok {
			break
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

// next extracts one frame. Returns (nil, true) when progress was made but
// no frame was produced (junk consumed), and (nil, false) when more bytes
// are needed.
func (p *FrameParser) next() (json.RawMessage, bool) {
	if len(p.buf) == 0 {
		return nil, false
	}

	headerAt := indexContentLength(p.buf)
	if headerAt >= 0 {
		// Anything before the header is residue from a non-framing server;
		// try it as newline-delimited JSON before discarding.
		if headerAt > 0 {
			residue := p.buf[:headerAt]
			p.buf = p.buf[headerAt:]
			if frame := p.spillLines(residue); frame != nil {
				return frame, true
			}
			return nil, true
		}
		return p.nextContentLength()
	}

	// No header anywhere: newline-delimited mode. Only complete lines are
	// consumed; a partial line waits for more bytes.
	newline := bytes.IndexByte(p.buf, '\n')
	if newline < 0 {
		return nil, false
	}
	line := bytes.TrimSpace(p.buf[:newline])
	p.buf = p.buf[newline+1:]
	if len(line) == 0 {
		return nil, true
	}
	if json.Valid(line) {
		return json.RawMessage(append([]byte(nil), line...)), true
	}
	p.spill(line)
	return nil, true
}

// indexContentLength locates the first case-insensitive occurrence of the
// Content-Length header name, or -1 when absent.
func indexContentLength(buf []byte) int {
	return bytes.Index(bytes.ToLower(buf), []byte(contentLengthHeader))
}

// nextContentLength parses a Content-Length framed message at the start
// of the buffer.
func (p *FrameParser) nextContentLength() (json.RawMessage, bool) {
	headerEnd := bytes.Index(p.buf, []byte("\r\n\r\n"))
	sepLen := 4
	if headerEnd < 0 {
		// Tolerate bare-LF servers
		headerEnd = bytes.Index(p.buf, []byte("\n\n"))
		sepLen = 2
	}
	if headerEnd < 0 {
		return nil, false
	}

	header := string(p.buf[:headerEnd])
	length := -1
	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(line), contentLengthHeader) {
			value := strings.TrimSpace(line[len(contentLengthHeader):])
			if n, err := strconv.Atoi(value); err == nil {
				length = n
			}
		}
	}
	if length < 0 {
		// Malformed header block: drop it and move on
		p.spill(p.buf[:headerEnd+sepLen])
		p.buf = p.buf[headerEnd+sepLen:]
		return nil, true
	}

	bodyStart := headerEnd + sepLen
	if len(p.buf) < bodyStart+length {
		return nil, false
	}
	body := p.buf[bodyStart : bodyStart+length]
	p.buf = p.buf[bodyStart+length:]

	if !json.Valid(body) {
		p.spill(body)
		return nil, true
	}
	return json.RawMessage(append([]byte(nil), body...)), true
}

// spillLines tries each line of residue as JSON, spilling the rest.
// Returns the first valid JSON line, if any; remaining valid lines stay
// rare enough in practice that re-feeding is not worth the complexity.
func (p *FrameParser) spillLines(residue []byte) json.RawMessage {
	var frame json.RawMessage
	for _, line := range bytes.Split(residue, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if frame == nil && json.Valid(line) {
			frame = json.RawMessage(append([]byte(nil), line...))
			continue
		}
		p.spill(line)
	}
	return frame
}

func (p *FrameParser) spill(data []byte) {
	if p.junk != nil && len(data) > 0 {
		p.junk(data)
	}
}

// EncodeFrame serializes a message for the wire in the requested framing
func EncodeFrame(framing string, payload []byte) []byte {
	if framing == FramingNDJSON {
		return append(payload, '\n')
	}
	header := "Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n"
	return append([]byte(header), payload...)
}
