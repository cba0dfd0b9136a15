// Package content provides handles to stored file revisions.
//
// A Content is one of three variants:
//
//   - Stored: bytes live in a blob store and are fetched lazily by id
//   - Bytes: bytes are held in memory and have no store id
//   - Unavailable: the bytes were lost for good
//
// Handles never cache the data they refer to. A Stored handle is an id plus a
// lookup capability and has no lifetime tie to the store's open/close cycle.
package content

import (
	"bytes"
	"fmt"

	"github.com/ruteri/local-history-storage/interfaces"
)

// Content is a possibly unavailable handle to a blob.
type Content interface {
	// ID returns the store id, or interfaces.UnavailableID for handles without one.
	ID() interfaces.ContentID

	// Bytes returns the blob's data. Callers that want to treat missing data as
	// non-fatal must check IsAvailable first.
	Bytes() ([]byte, error)

	// IsAvailable reports whether Bytes would succeed.
	IsAvailable() bool

	// Purge asks the backing store to drop the blob.
	Purge() error

	// Equal reports whether other refers to the same content.
	Equal(other Content) bool

	sealed()
}

// Stored is a handle to a blob held by a ContentSource.
type Stored struct {
	id     interfaces.ContentID
	source interfaces.ContentSource
}

// NewStored binds id to source.
func NewStored(id interfaces.ContentID, source interfaces.ContentSource) *Stored {
	return &Stored{id: id, source: source}
}

// ID returns the store id of the blob.
func (c *Stored) ID() interfaces.ContentID { return c.id }

// Source returns the ContentSource the handle reads from.
func (c *Stored) Source() interfaces.ContentSource { return c.source }

// Bytes loads the blob from its source on every call.
func (c *Stored) Bytes() ([]byte, error) {
	data, err := c.source.LoadContentData(c.id)
	if err != nil {
		return nil, fmt.Errorf("loading content %s: %w", c.id, err)
	}
	return data, nil
}

// IsAvailable reports whether the source can still load the blob.
func (c *Stored) IsAvailable() bool {
	_, err := c.source.LoadContentData(c.id)
	return err == nil
}

// Purge removes the blob from its source.
func (c *Stored) Purge() error {
	if err := c.source.RemoveContent(c.id); err != nil {
		return fmt.Errorf("purging content %s: %w", c.id, err)
	}
	return nil
}

// Equal reports whether other is a Stored handle with the same id and source.
func (c *Stored) Equal(other Content) bool {
	o, ok := other.(*Stored)
	if !ok || o == nil {
		return false
	}
	return c.id == o.id && c.source == o.source
}

// String returns a short description for logs.
func (c *Stored) String() string {
	return fmt.Sprintf("stored(%s)", c.id)
}

func (*Stored) sealed() {}

// Bytes holds its data in memory. It is always available.
type Bytes struct {
	data []byte
}

// NewBytes wraps data. The slice is not copied and must not be modified afterwards.
func NewBytes(data []byte) *Bytes {
	return &Bytes{data: data}
}

// ID returns interfaces.UnavailableID; in-memory data has no store id.
func (c *Bytes) ID() interfaces.ContentID { return interfaces.UnavailableID }

// Bytes returns the held slice.
func (c *Bytes) Bytes() ([]byte, error) { return c.data, nil }

// IsAvailable always returns true.
func (c *Bytes) IsAvailable() bool { return true }

// Purge is a no-op; there is no store to purge from.
func (c *Bytes) Purge() error { return nil }

// Equal compares the held bytes, not slice identity.
func (c *Bytes) Equal(other Content) bool {
	o, ok := other.(*Bytes)
	if !ok || o == nil {
		return false
	}
	return bytes.Equal(c.data, o.data)
}

// String returns a short description for logs.
func (c *Bytes) String() string {
	return fmt.Sprintf("bytes(%d)", len(c.data))
}

func (*Bytes) sealed() {}

type unavailable struct{}

// Unavailable represents permanently lost content.
var Unavailable Content = unavailable{}

func (unavailable) ID() interfaces.ContentID { return interfaces.UnavailableID }

func (unavailable) Bytes() ([]byte, error) { return nil, interfaces.ErrContentUnavailable }

func (unavailable) IsAvailable() bool { return false }

func (unavailable) Purge() error { return nil }

func (unavailable) Equal(other Content) bool {
	_, ok := other.(unavailable)
	return ok
}

func (unavailable) String() string { return "unavailable" }

func (unavailable) sealed() {}

// MustBytes returns c's data and panics if it cannot be loaded.
func MustBytes(c Content) []byte {
	data, err := c.Bytes()
	if err != nil {
		panic(err)
	}
	return data
}

// Encode returns the id under which c is persisted. Only store-backed and
// unavailable handles can be persisted.
func Encode(c Content) (interfaces.ContentID, error) {
	switch v := c.(type) {
	case *Stored:
		return v.id, nil
	case unavailable:
		return interfaces.UnavailableID, nil
	default:
		return interfaces.UnavailableID, fmt.Errorf("%w: %v", interfaces.ErrNotPersistable, c)
	}
}

// Decode rebinds a persisted id to source.
func Decode(id interfaces.ContentID, source interfaces.ContentSource) Content {
	if id < 0 {
		return Unavailable
	}
	return NewStored(id, source)
}
