package checkpoint

import (
	"github.com/pkg/errors"
)

// Error kinds of the checkpoint reader, matched with errors.Is. Per-tensor
// kinds (ErrShapeMismatch, and the metadata kinds re-exported from package
// sharding) are fatal only for their key: sibling keys keep loading and the
// load call aggregates everything that failed. ErrTopologyMismatch is fatal
// for the whole load and is detected before any tensor is copied.
var (
	// ErrShapeMismatch: a decoded shard's logical or local shape disagrees
	// with the destination tensor's expectation.
	ErrShapeMismatch = errors.New("checkpoint shard shape mismatch")

	// ErrTopologyMismatch: the dp/tp/pp grid (or the optimizer sharding
	// format) differs between the saving and the loading run. Resharding a
	// checkpoint across topologies is not supported.
	ErrTopologyMismatch = errors.New("checkpoint topology mismatch")

	// ErrMissingKey: a key of the destination container has no shard in the
	// checkpoint. Fails the load under the default strict policy.
	ErrMissingKey = errors.New("checkpoint is missing a required key")

	// ErrUnexpectedKey: the checkpoint carries a key the destination
	// container does not have. Fails the load under the default strict policy.
	ErrUnexpectedKey = errors.New("checkpoint has an unexpected key")
)

// LoadOptions configures the load policy.
type LoadOptions struct {
	// Lenient downgrades missing and unexpected keys from errors to log
	// warnings. The default (strict) fails the whole load on either.
	Lenient bool
}
