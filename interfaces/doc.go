// Package interfaces defines core interfaces and types for the local history
// storage, separating interface definitions from implementations.
//
// # Content Interfaces
//
// BlobStore: The content-addressable blob store used to persist every past
// revision of file content. Blobs are opaque byte slices addressed by a
// monotonically assigned ContentID.
//
// ContentSource: The capability a store-backed content handle uses to fetch and
// purge its bytes. The storage facade implements it, so that handle reads go
// through the facade's broken-state bookkeeping.
//
// # Types
//
//   - ContentID: integer identifier assigned by a BlobStore
//   - UnavailableID: the id reported by permanently lost content (-1)
//
// # Errors
//
// Sentinel errors are declared here and wrapped by implementations with
// fmt.Errorf("...: %w", err), so callers can match them with errors.Is.
package interfaces
