package memento

import (
	"fmt"
	"time"

	"github.com/ruteri/local-history-storage/content"
)

// ChangeKind tells what a Change did to the tree.
type ChangeKind int

const (
	CreateFile ChangeKind = iota + 1
	CreateDirectory
	ChangeContent
	Rename
	Delete
)

// String returns kind name.
func (k ChangeKind) String() string {
	switch k {
	case CreateFile:
		return "create-file"
	case CreateDirectory:
		return "create-directory"
	case ChangeContent:
		return "change-content"
	case Rename:
		return "rename"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Change is one recorded modification.
type Change struct {
	Kind    ChangeKind
	Path    string
	EntryID int64
	// Content is the revision the change replaced, if any.
	Content content.Content
	// OldName is set for renames.
	OldName string
}

// ChangeSet groups changes made by one user action.
type ChangeSet struct {
	ID   int64
	Name string
	// Timestamp is the unix millisecond time the set was recorded.
	Timestamp int64
	Changes   []Change
}

// ChangeList is the ordered history of change sets, oldest first.
type ChangeList struct {
	ChangeSets []*ChangeSet
}

// Add appends cs.
func (l *ChangeList) Add(cs *ChangeSet) {
	l.ChangeSets = append(l.ChangeSets, cs)
}

// Len returns the number of change sets.
func (l *ChangeList) Len() int {
	return len(l.ChangeSets)
}

// PurgeObsolete drops change sets recorded before the given time and returns
// the contents they referenced, so the caller can purge them from the store.
func (l *ChangeList) PurgeObsolete(before time.Time) []content.Content {
	cutoff := before.UnixMilli()
	var purged []content.Content
	kept := l.ChangeSets[:0]
	for _, cs := range l.ChangeSets {
		if cs.Timestamp >= cutoff {
			kept = append(kept, cs)
			continue
		}
		for _, ch := range cs.Changes {
			if s, ok := ch.Content.(*content.Stored); ok {
				purged = append(purged, s)
			}
		}
	}
	for i := len(kept); i < len(l.ChangeSets); i++ {
		l.ChangeSets[i] = nil
	}
	l.ChangeSets = kept
	return purged
}
