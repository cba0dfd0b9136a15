package memento

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ruteri/local-history-storage/content"
	"github.com/ruteri/local-history-storage/interfaces"
	"google.golang.org/protobuf/encoding/protowire"
)

// Codec reads and writes the snapshot file.
type Codec interface {
	// Encode writes m to w.
	Encode(w io.Writer, m *Memento) error

	// Decode reads a memento, binding stored contents to src.
	Decode(r io.Reader, src interfaces.ContentSource) (*Memento, error)

	// Default returns the memento used when no snapshot exists.
	Default() *Memento
}

var (
	// ErrTruncated is returned when the snapshot ends before its declared length.
	ErrTruncated = errors.New("memento truncated")

	// ErrChecksumMismatch is returned when the snapshot payload doesn't match its checksum.
	ErrChecksumMismatch = errors.New("memento checksum mismatch")
)

// Field numbers of the wire format.
const (
	fieldMementoRoot       protowire.Number = 1
	fieldMementoCounter    protowire.Number = 2
	fieldMementoChangeList protowire.Number = 3

	fieldEntryID        protowire.Number = 1
	fieldEntryName      protowire.Number = 2
	fieldEntryDirectory protowire.Number = 3
	fieldEntryTimestamp protowire.Number = 4
	fieldEntryContent   protowire.Number = 5
	fieldEntryChild     protowire.Number = 6

	fieldListChangeSet protowire.Number = 1

	fieldSetID        protowire.Number = 1
	fieldSetName      protowire.Number = 2
	fieldSetTimestamp protowire.Number = 3
	fieldSetChange    protowire.Number = 4

	fieldChangeKind    protowire.Number = 1
	fieldChangePath    protowire.Number = 2
	fieldChangeEntryID protowire.Number = 3
	fieldChangeContent protowire.Number = 4
	fieldChangeOldName protowire.Number = 5
)

// BinaryCodec frames a protobuf-wire encoded memento as
// varint(len) | payload | fixed32(crc32(payload)) so that a truncated
// or damaged file is always rejected.
type BinaryCodec struct{}

var _ Codec = BinaryCodec{}

func (BinaryCodec) Default() *Memento {
	return New()
}

func (BinaryCodec) Encode(w io.Writer, m *Memento) error {
	payload, err := appendMemento(nil, m)
	if err != nil {
		return err
	}
	buf := protowire.AppendVarint(make([]byte, 0, len(payload)+16), uint64(len(payload)))
	buf = append(buf, payload...)
	buf = protowire.AppendFixed32(buf, crc32.ChecksumIEEE(payload))
	_, err = w.Write(buf)
	return err
}

func (BinaryCodec) Decode(r io.Reader, src interfaces.ContentSource) (*Memento, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	l, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, ErrTruncated
	}
	rest := data[n:]
	// l is read from disk; compare without computing l+4
	if l > uint64(len(rest)) || uint64(len(rest))-l < 4 {
		return nil, ErrTruncated
	}
	payload := rest[:l]
	sum, n := protowire.ConsumeFixed32(rest[l:])
	if n < 0 {
		return nil, ErrTruncated
	}
	if len(rest[l:]) != n {
		return nil, fmt.Errorf("memento: %d trailing bytes", len(rest[l:])-n)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, ErrChecksumMismatch
	}
	return consumeMemento(payload, src)
}

func appendContent(b []byte, num protowire.Number, c content.Content) ([]byte, error) {
	id, err := content.Encode(c)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(id))), nil
}

func appendMemento(b []byte, m *Memento) ([]byte, error) {
	root := m.Root
	if root == nil {
		root = NewRoot()
	}
	rootBytes, err := appendEntry(nil, root)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, fieldMementoRoot, protowire.BytesType)
	b = protowire.AppendBytes(b, rootBytes)

	b = protowire.AppendTag(b, fieldMementoCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.EntryCounter))

	if m.ChangeList != nil {
		listBytes, err := appendChangeList(nil, m.ChangeList)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldMementoChangeList, protowire.BytesType)
		b = protowire.AppendBytes(b, listBytes)
	}
	return b, nil
}

func appendEntry(b []byte, e *Entry) ([]byte, error) {
	var err error
	b = protowire.AppendTag(b, fieldEntryID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ID))
	b = protowire.AppendTag(b, fieldEntryName, protowire.BytesType)
	b = protowire.AppendString(b, e.Name)
	b = protowire.AppendTag(b, fieldEntryDirectory, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(e.Directory))
	b = protowire.AppendTag(b, fieldEntryTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp))
	if e.Content != nil {
		if b, err = appendContent(b, fieldEntryContent, e.Content); err != nil {
			return nil, fmt.Errorf("entry %q: %w", e.Path(), err)
		}
	}
	for _, child := range e.Children {
		childBytes, err := appendEntry(nil, child)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldEntryChild, protowire.BytesType)
		b = protowire.AppendBytes(b, childBytes)
	}
	return b, nil
}

func appendChangeList(b []byte, l *ChangeList) ([]byte, error) {
	for _, cs := range l.ChangeSets {
		var set []byte
		set = protowire.AppendTag(set, fieldSetID, protowire.VarintType)
		set = protowire.AppendVarint(set, uint64(cs.ID))
		set = protowire.AppendTag(set, fieldSetName, protowire.BytesType)
		set = protowire.AppendString(set, cs.Name)
		set = protowire.AppendTag(set, fieldSetTimestamp, protowire.VarintType)
		set = protowire.AppendVarint(set, uint64(cs.Timestamp))
		for _, ch := range cs.Changes {
			var cb []byte
			var err error
			cb = protowire.AppendTag(cb, fieldChangeKind, protowire.VarintType)
			cb = protowire.AppendVarint(cb, uint64(ch.Kind))
			cb = protowire.AppendTag(cb, fieldChangePath, protowire.BytesType)
			cb = protowire.AppendString(cb, ch.Path)
			cb = protowire.AppendTag(cb, fieldChangeEntryID, protowire.VarintType)
			cb = protowire.AppendVarint(cb, uint64(ch.EntryID))
			if ch.Content != nil {
				if cb, err = appendContent(cb, fieldChangeContent, ch.Content); err != nil {
					return nil, fmt.Errorf("change set %d: %w", cs.ID, err)
				}
			}
			if ch.OldName != "" {
				cb = protowire.AppendTag(cb, fieldChangeOldName, protowire.BytesType)
				cb = protowire.AppendString(cb, ch.OldName)
			}
			set = protowire.AppendTag(set, fieldSetChange, protowire.BytesType)
			set = protowire.AppendBytes(set, cb)
		}
		b = protowire.AppendTag(b, fieldListChangeSet, protowire.BytesType)
		b = protowire.AppendBytes(b, set)
	}
	return b, nil
}

// fieldFn handles one field; it returns the number of bytes consumed from b
// (which starts at the field value) or a negative protowire error code.
type fieldFn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(b []byte, fn fieldFn) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("memento: unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("memento: unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeMemento(b []byte, src interfaces.ContentSource) (*Memento, error) {
	m := &Memento{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldMementoRoot:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil || n < 0 {
				return n, err
			}
			if m.Root, err = consumeEntry(raw, src); err != nil {
				return 0, err
			}
			return n, nil
		case fieldMementoCounter:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			m.EntryCounter = int64(v)
			return n, err
		case fieldMementoChangeList:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil || n < 0 {
				return n, err
			}
			if m.ChangeList, err = consumeChangeList(raw, src); err != nil {
				return 0, err
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decoding memento: %w", err)
	}
	if m.Root == nil {
		return nil, errors.New("decoding memento: missing root entry")
	}
	if m.ChangeList == nil {
		m.ChangeList = &ChangeList{}
	}
	return m, nil
}

func consumeEntry(b []byte, src interfaces.ContentSource) (*Entry, error) {
	e := &Entry{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case fieldEntryID:
			n, err := consumeVarint(typ, b, &v)
			e.ID = int64(v)
			return n, err
		case fieldEntryName:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			e.Name = string(raw)
			return n, err
		case fieldEntryDirectory:
			n, err := consumeVarint(typ, b, &v)
			e.Directory = protowire.DecodeBool(v)
			return n, err
		case fieldEntryTimestamp:
			n, err := consumeVarint(typ, b, &v)
			e.Timestamp = int64(v)
			return n, err
		case fieldEntryContent:
			n, err := consumeVarint(typ, b, &v)
			e.Content = content.Decode(interfaces.ContentID(protowire.DecodeZigZag(v)), src)
			return n, err
		case fieldEntryChild:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil || n < 0 {
				return n, err
			}
			child, err := consumeEntry(raw, src)
			if err != nil {
				return 0, err
			}
			e.AddChild(child)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func consumeChangeList(b []byte, src interfaces.ContentSource) (*ChangeList, error) {
	l := &ChangeList{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldListChangeSet {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		var raw []byte
		n, err := consumeBytes(typ, b, &raw)
		if err != nil || n < 0 {
			return n, err
		}
		cs, err := consumeChangeSet(raw, src)
		if err != nil {
			return 0, err
		}
		l.Add(cs)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func consumeChangeSet(b []byte, src interfaces.ContentSource) (*ChangeSet, error) {
	cs := &ChangeSet{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case fieldSetID:
			n, err := consumeVarint(typ, b, &v)
			cs.ID = int64(v)
			return n, err
		case fieldSetName:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			cs.Name = string(raw)
			return n, err
		case fieldSetTimestamp:
			n, err := consumeVarint(typ, b, &v)
			cs.Timestamp = int64(v)
			return n, err
		case fieldSetChange:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil || n < 0 {
				return n, err
			}
			ch, err := consumeChange(raw, src)
			if err != nil {
				return 0, err
			}
			cs.Changes = append(cs.Changes, ch)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

func consumeChange(b []byte, src interfaces.ContentSource) (Change, error) {
	var ch Change
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case fieldChangeKind:
			n, err := consumeVarint(typ, b, &v)
			ch.Kind = ChangeKind(v)
			return n, err
		case fieldChangePath:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			ch.Path = string(raw)
			return n, err
		case fieldChangeEntryID:
			n, err := consumeVarint(typ, b, &v)
			ch.EntryID = int64(v)
			return n, err
		case fieldChangeContent:
			n, err := consumeVarint(typ, b, &v)
			ch.Content = content.Decode(interfaces.ContentID(protowire.DecodeZigZag(v)), src)
			return n, err
		case fieldChangeOldName:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			ch.OldName = string(raw)
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return ch, err
}
