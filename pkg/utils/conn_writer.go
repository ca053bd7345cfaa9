package utils

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrHijacked is returned by writes after the connection was hijacked.
var ErrHijacked = errors.New("connection has been hijacked")

// ConnResponseWriter is an http.ResponseWriter over a raw connection whose
// request line was parsed outside net/http. Responses are HTTP/1.0 and the
// body is delimited by closing the connection. It supports Hijack so that
// WebSocket upgrades can take over the connection.
type ConnResponseWriter struct {
	conn        net.Conn
	rw          *bufio.ReadWriter
	header      http.Header
	status      int
	wroteHeader bool
	hijacked    bool
}

// NewConnResponseWriter wraps conn. br must be the reader that consumed the
// request so buffered client bytes are not lost on hijack.
func NewConnResponseWriter(conn net.Conn, br *bufio.Reader) *ConnResponseWriter {
	return &ConnResponseWriter{
		conn:   conn,
		rw:     bufio.NewReadWriter(br, bufio.NewWriter(conn)),
		header: make(http.Header),
	}
}

func (w *ConnResponseWriter) Header() http.Header {
	return w.header
}

func (w *ConnResponseWriter) WriteHeader(status int) {
	if w.wroteHeader || w.hijacked {
		return
	}
	w.wroteHeader = true
	w.status = status

	text := http.StatusText(status)
	if text == "" {
		text = "status code " + fmt.Sprint(status)
	}
	fmt.Fprintf(w.rw, "HTTP/1.0 %d %s\r\n", status, text)
	if w.header.Get("Connection") == "" {
		w.header.Set("Connection", "close")
	}
	for key, values := range w.header {
		for _, v := range values {
			fmt.Fprintf(w.rw, "%s: %s\r\n", key, strings.ReplaceAll(v, "\n", " "))
		}
	}
	w.rw.WriteString("\r\n")
}

func (w *ConnResponseWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, ErrHijacked
	}
	if !w.wroteHeader {
		if w.header.Get("Content-Type") == "" {
			w.header.Set("Content-Type", http.DetectContentType(p))
		}
		w.WriteHeader(http.StatusOK)
	}
	return w.rw.Write(p)
}

// Flush pushes buffered output to the connection.
func (w *ConnResponseWriter) Flush() {
	if w.hijacked {
		return
	}
	_ = w.rw.Flush()
}

// Hijack hands the connection and its buffers to the caller.
func (w *ConnResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, ErrHijacked
	}
	if err := w.rw.Flush(); err != nil {
		return nil, nil, err
	}
	w.hijacked = true
	return w.conn, w.rw, nil
}

// Finish completes the response: an untouched writer sends an empty 200.
func (w *ConnResponseWriter) Finish() error {
	if w.hijacked {
		return nil
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.rw.Flush()
}

// Status returns the status written so far, or 0.
func (w *ConnResponseWriter) Status() int {
	return w.status
}

// Hijacked reports whether the connection was taken over.
func (w *ConnResponseWriter) Hijacked() bool {
	return w.hijacked
}
