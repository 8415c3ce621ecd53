// Package kerr declares the error kinds shared by the scheduler, PS and
// worker packages. Handlers wrap a sentinel with context via fmt.Errorf and
// callers match with errors.Is.
package kerr

import "errors"

var (
	// ErrShapeMismatch: a gradient or pushed tensor does not match the
	// shape of the value it targets. Surfaced to the caller, not retried.
	ErrShapeMismatch = errors.New("kerr: shape mismatch")

	// ErrElementTypeMismatch: element types differ between a value and an
	// operand. Surfaced to the caller, not retried.
	ErrElementTypeMismatch = errors.New("kerr: element type mismatch")

	// ErrUnknownTable: table_id has no registration on this PS/model.
	ErrUnknownTable = errors.New("kerr: unknown table")

	// ErrUnknownModel: model_id has no registration on the scheduler, or
	// on the PS handling the request.
	ErrUnknownModel = errors.New("kerr: unknown model")

	// ErrDuplicateName: a table or model name is already registered.
	ErrDuplicateName = errors.New("kerr: duplicate name")

	// ErrStaleRouterVersion: the request's router_version is behind the
	// PS's current version. The caller refetches the router and retries
	// exactly once.
	ErrStaleRouterVersion = errors.New("kerr: stale router version")

	// ErrNodeUnreachable: the destination PS did not respond. Pulls are
	// retried with backoff; pushes are dropped after one retry.
	ErrNodeUnreachable = errors.New("kerr: node unreachable")

	// ErrClusterBusy: a PS is mid save/load of the model and rejects the
	// push. Caller backs off and retries.
	ErrClusterBusy = errors.New("kerr: cluster busy")

	// ErrIO: a checkpoint read/write failed. Surfaced to the scheduler,
	// which aborts the save/load.
	ErrIO = errors.New("kerr: io error")

	// ErrInvariantViolation: the PS detected corrupt internal state and
	// must abort rather than continue.
	ErrInvariantViolation = errors.New("kerr: invariant violation")
)
