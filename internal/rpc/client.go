package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kraken-go/internal/kerr"
)

// CallAt acquires a pooled connection to addr, issues req, and releases the
// connection back to the pool on success. A transport-level failure
// discards the connection instead of returning it, since its framing state
// is no longer trustworthy, and is reported as kerr.ErrNodeUnreachable so
// callers can apply the §7 retry policy (pulls retried with backoff, pushes
// dropped after one retry) instead of a generic transport error.
func CallAt(ctx context.Context, pool *ConnPool, addr string, opcode Opcode, routerVersion uint64, body []byte) (Reply, error) {
	conn, err := pool.Acquire(ctx, addr)
	if err != nil {
		return Reply{}, fmt.Errorf("rpc: call %s: %w: %w", addr, kerr.ErrNodeUnreachable, err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		pool.Discard(conn)
		return Reply{}, fmt.Errorf("rpc: call %s: generate request id: %w", addr, err)
	}
	req := Envelope{Opcode: opcode, RouterVersion: routerVersion, RequestID: id, Body: body}

	reply, err := Call(ctx, conn, req)
	if err != nil {
		pool.Discard(conn)
		return Reply{}, fmt.Errorf("rpc: call %s opcode %d: %w: %w", addr, opcode, kerr.ErrNodeUnreachable, err)
	}
	pool.Release(conn)
	if reply.ErrMsg != "" {
		return reply, classifyReplyError(reply.ErrMsg)
	}
	return reply, nil
}

// classifyReplyError turns the PS's string-carried handler error back into
// one of kerr's sentinels so callers can match with errors.Is, falling back
// to a plain error when the message carries none of the known kinds.
func classifyReplyError(msg string) error {
	for _, sentinel := range []error{
		kerr.ErrShapeMismatch, kerr.ErrElementTypeMismatch, kerr.ErrUnknownTable,
		kerr.ErrUnknownModel, kerr.ErrDuplicateName, kerr.ErrStaleRouterVersion,
		kerr.ErrNodeUnreachable, kerr.ErrClusterBusy, kerr.ErrIO, kerr.ErrInvariantViolation,
	} {
		if strings.Contains(msg, sentinel.Error()) {
			return fmt.Errorf("%s: %w", msg, sentinel)
		}
	}
	return errors.New(msg)
}
