package request

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var (
	// ErrMalformed reports a first line that is not a recognised request line.
	ErrMalformed = errors.New("malformed request line")
	// ErrLineTooLong reports a line that ran past the configured cap without
	// a terminator.
	ErrLineTooLong = errors.New("line too long")
)

// DefaultMaxLine matches the receive size of the classic clients.
const DefaultMaxLine = 2048

// maxHeaderLines bounds the header block of a single request.
const maxHeaderLines = 100

// Protocol is the keyword that closes the request line.
type Protocol int

const (
	ProtoUnknown Protocol = iota
	ProtoHTTP
	ProtoTEXT
	ProtoATP
)

func (p Protocol) String() string {
	switch p {
	case ProtoHTTP:
		return "HTTP"
	case ProtoTEXT:
		return "TEXT"
	case ProtoATP:
		return "ATP"
	default:
		return "UNKNOWN"
	}
}

// Target is the handler a request path routes to.
type Target int

const (
	// TargetStatic covers every path outside the /segment[/argument] grammar.
	TargetStatic Target = iota
	TargetActivation
	TargetVideo
	TargetUnknown
)

func (t Target) String() string {
	switch t {
	case TargetStatic:
		return "static"
	case TargetActivation:
		return "activation"
	case TargetVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Request is a parsed opening request line plus its headers.
type Request struct {
	// Path is the raw path from the request line.
	Path string
	// Version is the full protocol token, e.g. "HTTP/1.1" or "TEXT".
	Version string
	Proto   Protocol
	Target  Target
	// Segment and Arg are the two halves of a /segment/argument path.
	Segment string
	Arg     string
	Header  http.Header
}

var (
	requestLine = regexp.MustCompile(`^GET (.*) ((?:HTTP|TEXT|ATP)\S*)\s*$`)
	headerLine  = regexp.MustCompile(`^([a-zA-Z0-9\-]+): (.*)$`)
	targetPath  = regexp.MustCompile(`^/([a-z_]+)(?:/([a-zA-Z0-9_\-\./]+))?$`)
)

// Route classifies a path into a target, segment and argument.
func Route(path string) (Target, string, string) {
	m := targetPath.FindStringSubmatch(path)
	if m == nil {
		return TargetStatic, "", ""
	}

	switch m[1] {
	case "activation":
		return TargetActivation, m[1], m[2]
	case "video":
		return TargetVideo, m[1], m[2]
	default:
		return TargetUnknown, m[1], m[2]
	}
}

// ParseLine parses a request line such as "GET /activation TEXT".
func ParseLine(line string) (*Request, error) {
	line = strings.TrimRight(line, "\r\n")
	m := requestLine.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, line)
	}

	req := &Request{
		Path:    m[1],
		Version: m[2],
		Header:  make(http.Header),
	}
	switch {
	case strings.HasPrefix(m[2], "HTTP"):
		req.Proto = ProtoHTTP
	case strings.HasPrefix(m[2], "TEXT"):
		req.Proto = ProtoTEXT
	default:
		req.Proto = ProtoATP
	}
	req.Target, req.Segment, req.Arg = Route(req.Path)
	return req, nil
}

// ReadLine reads one line, terminator included, holding at most limit bytes.
// A longer line fails with ErrLineTooLong and the rest of it stays unread.
// A limit of zero or less disables the cap.
func ReadLine(br *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if limit > 0 && len(line)+len(chunk) > limit {
			return "", fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, limit)
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(line), err
	}
}

// Read parses the request line and headers from br, refusing any line longer
// than maxLine. HTTP requests read headers up to the blank line. TEXT and ATP
// clients often send nothing after the request line, so for them only header
// lines already buffered are consumed; the first blank or non-header line
// ends the block unread.
func Read(br *bufio.Reader, maxLine int) (*Request, error) {
	line, err := ReadLine(br, maxLine)
	if errors.Is(err, ErrLineTooLong) {
		return nil, err
	}
	if err != nil && line == "" {
		return nil, err
	}

	req, perr := ParseLine(line)
	if perr != nil {
		return nil, perr
	}

	if req.Proto == ProtoHTTP {
		err = readHTTPHeaders(br, req.Header, maxLine)
	} else {
		consumeBufferedHeaders(br, req.Header, maxLine)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// IsWebSocketUpgrade reports an HTTP request asking to switch to WebSocket.
func (r *Request) IsWebSocketUpgrade() bool {
	return r.Proto == ProtoHTTP && strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func readHTTPHeaders(br *bufio.Reader, header http.Header, maxLine int) error {
	for i := 0; i < maxHeaderLines; i++ {
		line, err := ReadLine(br, maxLine)
		if errors.Is(err, ErrLineTooLong) {
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			// A blank line or EOF ends the header block.
			return nil
		}
		addHeader(header, trimmed)
		if err != nil {
			return nil
		}
	}
	return fmt.Errorf("%w: more than %d header lines", ErrMalformed, maxHeaderLines)
}

func consumeBufferedHeaders(br *bufio.Reader, header http.Header, maxLine int) {
	for br.Buffered() > 0 {
		buffered, err := br.Peek(br.Buffered())
		if err != nil {
			return
		}
		idx := bytes.IndexByte(buffered, '\n')
		if idx < 0 || (maxLine > 0 && idx+1 > maxLine) {
			return
		}

		line := strings.TrimRight(string(buffered[:idx]), "\r")
		if line == "" {
			_, _ = br.Discard(idx + 1)
			return
		}
		if !headerLine.MatchString(line) {
			return
		}
		addHeader(header, line)
		_, _ = br.Discard(idx + 1)
	}
}

func addHeader(header http.Header, line string) {
	if m := headerLine.FindStringSubmatch(line); m != nil {
		header.Add(m[1], m[2])
	}
}
