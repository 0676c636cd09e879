package docsync

// UpdateFunction observes document mutations. Implementations of Doc must
// call observers synchronously, in the order the mutations were applied,
// with the origin tag the mutation was applied under.
type UpdateFunction func(update []byte, origin Origin)

// Doc is the boundary to the external CRDT engine. The providers never own
// the document; they hold a non-owning reference for their lifetime.
//
// Updates are assumed commutative and idempotent under the engine's merge:
// applying the same update twice, or applying updates out of arrival order,
// converges to the same document state. The providers rely on this and never
// reorder or deduplicate updates beyond the self-echo guard.
type Doc interface {
	// EncodeStateVector returns an opaque summary of what this replica has
	// already incorporated.
	EncodeStateVector() ([]byte, error)

	// EncodeStateAsUpdate returns the update that brings a replica at
	// stateVector up to this document. A nil stateVector encodes the full
	// document state.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)

	// ApplyUpdate merges an update into the document, tagged with origin.
	ApplyUpdate(update []byte, origin Origin) error

	// MergeUpdates coalesces several updates into a single equivalent update.
	MergeUpdates(updates [][]byte) ([]byte, error)

	// AddUpdateCallback registers a mutation observer.
	// Returns a function that removes the observer.
	AddUpdateCallback(callback UpdateFunction) func()

	// AddDestroyCallback registers a teardown observer.
	// Returns a function that removes the observer.
	AddDestroyCallback(callback func()) func()
}
