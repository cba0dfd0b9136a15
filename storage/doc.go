// Package storage provides the local history storage facade.
//
// A Storage owns one directory holding:
//
//   - version: the storage format version (CurrentVersion)
//   - .broken: a marker whose presence flags the directory as corrupted
//   - storage: the snapshot of the local history (see package memento)
//   - contents*: the blob store files (see package blobstore)
//
// # Lifecycle
//
// New validates the directory. When the version is missing or stale, or the
// broken marker exists, the whole directory is wiped and recreated with the
// current version stamp. Local history accepts losing its past in exchange
// for never blocking startup; there is no migration path.
//
// # Failure handling
//
// Content failures and snapshot failures are handled separately:
//
//   - A blob store failure while storing or loading content moves the
//     Storage from StateOpen to StateBroken and writes the broken marker.
//     From then on StoreContent returns content.Unavailable without touching
//     the store and LoadContentData fails fast. There is no way back to
//     StateOpen within the process; the next start wipes the directory.
//   - A snapshot that cannot be read wipes the directory and LoadMemento
//     returns the default memento. Handles issued before the wipe stop
//     resolving, even though the new blob store reuses their ids. If the
//     directory cannot be recreated the Storage is broken.
//   - A snapshot that cannot be written is returned to the caller.
//
// LastRecovery reports which of these recoveries, if any, wiped the directory.
//
// Close is not a failure. Handles outliving it report their content
// unavailable and the directory is reused as is on the next start.
package storage
