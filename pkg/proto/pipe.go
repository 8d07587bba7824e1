package proto

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// Pipe returns the two ends of an in-memory connection. Messages are encoded
// and decoded like on the gRPC stream, so that no memory is shared between
// the ends.
func Pipe() (*PipeConn, *PipeConn) {
	ctx, cancel := context.WithCancel(context.Background())
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)

	closed := make(chan struct{})
	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			close(closed)
			cancel()
		})
	}

	a := &PipeConn{send: aToB, recv: bToA, closed: closed, close: closeFn, ctx: ctx}
	b := &PipeConn{send: bToA, recv: aToB, closed: closed, close: closeFn, ctx: ctx}
	return a, b
}

// PipeConn is one end of a Pipe.
type PipeConn struct {
	send   chan<- []byte
	recv   <-chan []byte
	closed chan struct{}
	close  func()
	ctx    context.Context
}

func (c *PipeConn) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

// Recv returns io.EOF once the pipe is closed and all sent messages have been
// received.
func (c *PipeConn) Recv() (*Message, error) {
	var data []byte
	select {
	case data = <-c.recv:
	case <-c.closed:
		select {
		case data = <-c.recv:
		default:
			return nil, io.EOF
		}
	}

	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Context is cancelled when the pipe is closed.
func (c *PipeConn) Context() context.Context {
	return c.ctx
}

// Close closes both ends of the pipe.
func (c *PipeConn) Close() error {
	c.close()
	return nil
}
