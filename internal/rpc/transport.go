package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameBytes bounds a single request/response frame to guard against a
// corrupt or hostile length prefix causing an unbounded allocation.
const MaxFrameBytes = 256 << 20

// Dialer opens outbound TCP connections to PS/scheduler nodes with a
// configured timeout and keepalive.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("rpc: dialer: connect to %s: %w", address, err)
	}
	return conn, nil
}

// WriteFrame writes a u32-length-prefixed blob to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("rpc: transport: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("rpc: transport: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one u32-length-prefixed blob from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("rpc: transport: read frame header: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("rpc: transport: frame of %d bytes exceeds limit %d", n, MaxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("rpc: transport: read frame body: %w", err)
	}
	return body, nil
}

// deadlineFromContext applies ctx's deadline (if any) to conn before a
// blocking read/write, clearing it afterward via the returned func.
func deadlineFromContext(ctx context.Context, conn net.Conn) func() {
	dl, ok := ctx.Deadline()
	if !ok {
		return func() {}
	}
	_ = conn.SetDeadline(dl)
	return func() { _ = conn.SetDeadline(time.Time{}) }
}

// Call sends one Envelope over conn and waits for its Reply, honoring ctx's
// deadline; cancelling a ctx that has no deadline does not interrupt a
// blocked write or read. It is the client-side half of the request loop;
// Serve (below) is the server-side half.
func Call(ctx context.Context, conn net.Conn, req Envelope) (Reply, error) {
	clear := deadlineFromContext(ctx, conn)
	defer clear()

	if err := WriteFrame(conn, req.Encode()); err != nil {
		return Reply{}, err
	}
	respBytes, err := ReadFrame(conn)
	if err != nil {
		return Reply{}, err
	}
	return DecodeReply(respBytes)
}

// Handler processes one decoded Envelope and produces a Reply body or an
// error, which Serve turns into a Reply.ErrMsg.
type Handler func(ctx context.Context, env Envelope) ([]byte, error)

// Serve reads Envelopes off conn in a loop, dispatches each to handle, and
// writes back a Reply, until the connection errors or closes. It blocks the
// calling goroutine; callers run one Serve per accepted connection.
func Serve(ctx context.Context, conn net.Conn, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reqBytes, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		env, err := DecodeEnvelope(reqBytes)
		if err != nil {
			return fmt.Errorf("rpc: transport: decode envelope: %w", err)
		}

		body, handleErr := handle(ctx, env)
		reply := Reply{Body: body}
		if handleErr != nil {
			reply.ErrMsg = handleErr.Error()
		}
		if err := WriteFrame(conn, reply.Encode()); err != nil {
			return err
		}
	}
}
