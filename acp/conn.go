package acp

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/acprelay/errors"
)

// Conn carries whole JSON-RPC messages in both directions.
type Conn interface {
	// ReadMessage returns the next message, or io.EOF when the peer is gone.
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

// MaxLineBytes bounds one newline-delimited message.
const MaxLineBytes = 16 << 20

// ErrLineTooLong is returned for a line over the limit. The line has been
// consumed and the next read starts at the following one.
var ErrLineTooLong = errors.Sentinel("message exceeds the line length limit")

// StdioConn frames messages as newline-delimited JSON.
type StdioConn struct {
	in      *bufio.Reader
	out     *bufio.Writer
	closer  io.Closer
	maxLine int
}

// NewStdioConn wraps a reader and writer. closer, when not nil, is closed
// by Close.
func NewStdioConn(in io.Reader, out io.Writer, closer io.Closer) *StdioConn {
	return &StdioConn{
		in:      bufio.NewReaderSize(in, 64*1024),
		out:     bufio.NewWriter(out),
		closer:  closer,
		maxLine: MaxLineBytes,
	}
}

// ReadMessage reads one line, skipping blank ones. A line longer than
// MaxLineBytes is discarded and reported as ErrLineTooLong.
func (c *StdioConn) ReadMessage() ([]byte, error) {
	for {
		line, err := c.readLine()
		line = bytes.TrimSpace(line)
		if err == ErrLineTooLong {
			return nil, err
		}
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *StdioConn) readLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := c.in.ReadSlice('\n')
		if len(line)+len(frag) > c.maxLine {
			return nil, c.discardLine(err)
		}
		line = append(line, frag...)
		if err != bufio.ErrBufferFull {
			return line, err
		}
	}
}

// discardLine skips to the end of the current line.
func (c *StdioConn) discardLine(err error) error {
	for err == bufio.ErrBufferFull {
		_, err = c.in.ReadSlice('\n')
	}
	if err != nil && err != io.EOF {
		return err
	}
	return ErrLineTooLong
}

// WriteMessage writes msg and a newline, then flushes. Callers serialize
// writes.
func (c *StdioConn) WriteMessage(msg []byte) error {
	if _, err := c.out.Write(msg); err != nil {
		return err
	}
	if err := c.out.WriteByte('\n'); err != nil {
		return err
	}
	return c.out.Flush()
}

func (c *StdioConn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// WSConn carries one JSON-RPC message per websocket text frame.
type WSConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, errors.Wrapf(err, "websocket read")
		}
		if kind != websocket.TextMessage {
			continue
		}
		if msg = bytes.TrimSpace(msg); len(msg) > 0 {
			return msg, nil
		}
	}
}

func (c *WSConn) WriteMessage(msg []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.ws.Close()
	})
	return err
}
