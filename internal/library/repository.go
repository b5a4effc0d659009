package library

import "context"

// OperationRepository is the opaque persistence seam for Operation history.
// The engine calls it best-effort: write failures are logged and swallowed,
// never propagated, since the in-memory Operation snapshot remains
// authoritative for the lifetime of the process.
type OperationRepository interface {
	Add(ctx context.Context, op Operation) error
	UpdateOrAdd(ctx context.Context, op Operation) error
}

// NullRepository discards everything; useful as a default when no
// persistence backend is configured.
type NullRepository struct{}

func (NullRepository) Add(context.Context, Operation) error         { return nil }
func (NullRepository) UpdateOrAdd(context.Context, Operation) error { return nil }
