// Package memento holds the persisted snapshot of local history: the tree of
// tracked entries, the entry id counter and the list of recorded changes.
package memento

import (
	"strings"

	"github.com/ruteri/local-history-storage/content"
	"github.com/ruteri/local-history-storage/interfaces"
)

// Memento is the whole local-history state written to the snapshot file.
type Memento struct {
	Root         *Entry
	EntryCounter int64
	ChangeList   *ChangeList
}

// New returns the empty memento: a bare root, counter zero, no changes.
func New() *Memento {
	return &Memento{
		Root:       NewRoot(),
		ChangeList: &ChangeList{},
	}
}

// NextID advances the entry counter and returns the new value.
func (m *Memento) NextID() int64 {
	m.EntryCounter++
	return m.EntryCounter
}

// CollectContents returns every store-backed content referenced by the tree
// and the change list, each id once.
func (m *Memento) CollectContents() []content.Content {
	seen := make(map[interfaces.ContentID]struct{})
	var res []content.Content
	add := func(c content.Content) {
		s, ok := c.(*content.Stored)
		if !ok {
			return
		}
		if _, dup := seen[s.ID()]; dup {
			return
		}
		seen[s.ID()] = struct{}{}
		res = append(res, s)
	}

	if m.Root != nil {
		m.Root.Walk(func(e *Entry) bool {
			if e.Content != nil {
				add(e.Content)
			}
			return true
		})
	}
	if m.ChangeList != nil {
		for _, cs := range m.ChangeList.ChangeSets {
			for _, ch := range cs.Changes {
				if ch.Content != nil {
					add(ch.Content)
				}
			}
		}
	}
	return res
}

// Entry is a file or directory tracked by local history.
type Entry struct {
	ID        int64
	Name      string
	Directory bool
	// Timestamp is the modification time in unix milliseconds.
	Timestamp int64
	// Content is the current revision of a file; nil for directories.
	Content  content.Content
	Children []*Entry

	parent *Entry
}

// NewRoot returns an empty root directory.
func NewRoot() *Entry {
	return &Entry{Directory: true}
}

// NewDirectory returns a directory entry.
func NewDirectory(id int64, name string, timestamp int64) *Entry {
	return &Entry{ID: id, Name: name, Directory: true, Timestamp: timestamp}
}

// NewFile returns a file entry holding c.
func NewFile(id int64, name string, c content.Content, timestamp int64) *Entry {
	return &Entry{ID: id, Name: name, Timestamp: timestamp, Content: c}
}

// Parent returns the containing directory, nil for the root.
func (e *Entry) Parent() *Entry {
	return e.parent
}

// AddChild attaches child to e, replacing a child with the same name.
func (e *Entry) AddChild(child *Entry) {
	child.parent = e
	for i, c := range e.Children {
		if c.Name == child.Name {
			c.parent = nil
			e.Children[i] = child
			return
		}
	}
	e.Children = append(e.Children, child)
}

// RemoveChild detaches the child called name and returns it.
func (e *Entry) RemoveChild(name string) *Entry {
	for i, c := range e.Children {
		if c.Name == name {
			e.Children = append(e.Children[:i], e.Children[i+1:]...)
			c.parent = nil
			return c
		}
	}
	return nil
}

// FindChild returns the direct child called name.
func (e *Entry) FindChild(name string) *Entry {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Find resolves a slash separated path relative to e.
func (e *Entry) Find(path string) *Entry {
	cur := e
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if cur = cur.FindChild(part); cur == nil {
			return nil
		}
	}
	return cur
}

// Path returns the slash separated path from the root.
func (e *Entry) Path() string {
	var parts []string
	for cur := e; cur != nil && cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// Walk visits e and its descendants depth first. Returning false from fn
// skips the children of the visited entry.
func (e *Entry) Walk(fn func(*Entry) bool) {
	if !fn(e) {
		return
	}
	for _, c := range e.Children {
		c.Walk(fn)
	}
}
