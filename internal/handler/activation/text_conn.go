package activation

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/scienceserver/internal/model/request"
)

// TextConn carries CRLF-terminated activation lines over a TCP connection.
// Sends are serialised because chat broadcasts write from other goroutines.
type TextConn struct {
	conn         net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration
	maxLine      int

	mu sync.Mutex
}

// NewTextConn wraps conn; r must be the reader that consumed the request line.
// Lines longer than maxLine bytes are refused.
func NewTextConn(conn net.Conn, r *bufio.Reader, writeTimeout time.Duration, maxLine int) *TextConn {
	return &TextConn{conn: conn, r: r, writeTimeout: writeTimeout, maxLine: maxLine}
}

// ReadLine returns the next line without its terminator. A partial line at
// end of stream is dropped, and an overlong one fails with
// request.ErrLineTooLong.
func (c *TextConn) ReadLine() (string, error) {
	line, err := request.ReadLine(c.r, c.maxLine)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Send writes line followed by CRLF.
func (c *TextConn) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}
