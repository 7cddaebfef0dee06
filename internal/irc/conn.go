package irc

import (
	"net"
	"strings"
	"sync"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/ergochat/irc-go/ircreader"
)

const (
	initialBufferSize = 1024
	// tags may take up to 8191 bytes on top of the 512 byte line
	maxLineBytes = 8191 + 512
)

// lineConn reads and writes IRC lines on one socket. Reads happen on a
// single goroutine; writes may come from several.
type lineConn struct {
	conn   net.Conn
	reader ircreader.Reader

	mu sync.Mutex
}

func newLineConn(conn net.Conn) *lineConn {
	lc := &lineConn{conn: conn}
	lc.reader.Initialize(conn, initialBufferSize, maxLineBytes)
	return lc
}

// ReadLine returns the next non-empty line without its terminator
func (lc *lineConn) ReadLine() (string, error) {
	for {
		raw, err := lc.reader.ReadLine()
		if err != nil {
			return "", err
		}
		line := strings.TrimRight(string(raw), "\r\n")
		if line != "" {
			return line, nil
		}
	}
}

// WriteLine sends a raw line, adding the terminator
func (lc *lineConn) WriteLine(line string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	_, err := lc.conn.Write([]byte(line + "\r\n"))
	return err
}

// encodeError means the message could not be serialized; nothing was written
type encodeError struct {
	command string
	err     error
}

func (e *encodeError) Error() string {
	return "cannot encode " + e.command + ": " + e.err.Error()
}

func (e *encodeError) Unwrap() error { return e.err }

// WriteMessage encodes and sends msg
func (lc *lineConn) WriteMessage(msg ircmsg.Message) error {
	line, err := msg.Line()
	if err != nil {
		return &encodeError{command: msg.Command, err: err}
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	_, err = lc.conn.Write([]byte(line))
	return err
}

func (lc *lineConn) Close() error {
	return lc.conn.Close()
}
