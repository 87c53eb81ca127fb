package btree

import "errors"

var (
	// ErrContention: a reader or another evictor holds part of the
	// subtree. Non-fatal; the caller reselects a victim.
	ErrContention = errors.New("btree: page in use, eviction blocked")

	// ErrNotMergeable: the subtree references a resident child that
	// cannot be merged into the eviction. Non-fatal; retry after the
	// child has been reconciled.
	ErrNotMergeable = errors.New("btree: subtree child cannot be merged")

	// ErrSplitCascade: a root split kept producing further splits
	// instead of converging on a replacement.
	ErrSplitCascade = errors.New("btree: root split cascade did not converge")
)
