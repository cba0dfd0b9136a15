package interfaces

import (
	"errors"
	"strconv"
)

// ContentID identifies a blob inside a BlobStore.
type ContentID int64

// UnavailableID is reported by content that was lost and cannot be loaded.
const UnavailableID ContentID = -1

// MaxContentLength is the largest blob a BlobStore accepts (1 MiB).
const MaxContentLength = 1 << 20

// String returns the decimal representation.
func (id ContentID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseContentID parses the decimal representation produced by String.
func ParseContentID(s string) (ContentID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return UnavailableID, err
	}
	if v < 0 {
		return UnavailableID, errors.New("negative content id")
	}
	return ContentID(v), nil
}

var (
	// ErrContentNotFound is returned when the store never issued the requested id.
	ErrContentNotFound = errors.New("content not found")

	// ErrContentRemoved is returned when loading an id that was purged.
	ErrContentRemoved = errors.New("content removed")

	// ErrContentUnavailable is returned by content handles that permanently lost their data.
	ErrContentUnavailable = errors.New("content unavailable")

	// ErrContentTooLarge is returned when storing a blob above MaxContentLength.
	ErrContentTooLarge = errors.New("content too large")

	// ErrStorageBroken is returned by content reads once the storage detected an I/O failure.
	ErrStorageBroken = errors.New("storage is broken")

	// ErrStoreClosed is returned by a BlobStore after Close.
	ErrStoreClosed = errors.New("store closed")

	// ErrNotPersistable is returned when encoding a content handle that has no store id.
	ErrNotPersistable = errors.New("content is not persistable")
)

// BlobStore provides append-style storage of byte blobs keyed by integer ids.
type BlobStore interface {
	// Store saves data and returns its newly assigned id.
	Store(data []byte) (ContentID, error)

	// Load returns the bytes previously stored under id.
	Load(id ContentID) ([]byte, error)

	// Remove logically deletes the blob. Space reclamation is up to the store.
	Remove(id ContentID) error

	// IsRemoved reports whether id was removed.
	IsRemoved(id ContentID) (bool, error)

	// Save flushes pending writes to disk.
	Save() error

	// Close flushes and releases the store's files.
	Close() error
}

// ContentSource is what a store-backed content handle needs from its owner.
type ContentSource interface {
	// LoadContentData returns the bytes stored under id.
	LoadContentData(id ContentID) ([]byte, error)

	// RemoveContent purges the blob stored under id.
	RemoveContent(id ContentID) error
}
