package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ruteri/local-history-storage/blobstore"
	"github.com/ruteri/local-history-storage/content"
	"github.com/ruteri/local-history-storage/interfaces"
	"github.com/ruteri/local-history-storage/memento"
	"go.uber.org/atomic"
)

// CurrentVersion is the storage format version written to the version file.
// Directories stamped with any other version are wiped on open.
const CurrentVersion = 14

// Files inside the storage directory.
const (
	VersionFileName      = "version"
	BrokenMarkerFileName = ".broken"
	SnapshotFileName     = "storage"
	ContentsFileName     = "contents"
)

// State is the health of a Storage. The only transition is Open -> Broken.
type State int32

const (
	StateOpen State = iota
	StateBroken
)

// String returns state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Recovery names why the directory was wiped.
type Recovery int32

const (
	RecoveryNone Recovery = iota
	// RecoveryVersionMismatch: the version file was missing, unreadable or stale.
	RecoveryVersionMismatch
	// RecoveryBrokenMarker: a previous process flagged the directory as broken.
	RecoveryBrokenMarker
	// RecoveryCorruptSnapshot: the snapshot file could not be read.
	RecoveryCorruptSnapshot
	// RecoveryCorruptContents: the blob store refused to open.
	RecoveryCorruptContents
)

// String returns recovery name.
func (r Recovery) String() string {
	switch r {
	case RecoveryNone:
		return "none"
	case RecoveryVersionMismatch:
		return "version-mismatch"
	case RecoveryBrokenMarker:
		return "broken-marker"
	case RecoveryCorruptSnapshot:
		return "corrupt-snapshot"
	case RecoveryCorruptContents:
		return "corrupt-contents"
	default:
		return "unknown"
	}
}

// BlobStoreOpener opens the blob store rooted at basePath.
type BlobStoreOpener func(basePath string, log *slog.Logger) (interfaces.BlobStore, error)

// OpenFileBlobStore opens the default append-log blob store.
func OpenFileBlobStore(basePath string, log *slog.Logger) (interfaces.BlobStore, error) {
	return blobstore.New(basePath, log)
}

// Config configures a Storage.
type Config struct {
	// Dir is the storage directory. It is owned exclusively by one Storage.
	Dir string

	// Codec reads and writes the snapshot file. Defaults to memento.BinaryCodec.
	Codec memento.Codec

	// Log is the structured logger. Defaults to slog.Default().
	Log *slog.Logger

	// OpenBlobStore opens the contents store. Defaults to OpenFileBlobStore.
	OpenBlobStore BlobStoreOpener
}

// Stats counts content operations since the Storage was created.
type Stats struct {
	Stored      uint64 `json:"stored"`
	Unavailable uint64 `json:"unavailable"`
	Failures    uint64 `json:"failures"`
	Purged      uint64 `json:"purged"`
}

// Storage owns the local history directory: the versioned snapshot file and
// the blob store holding file contents.
//
// Storage has no lock of its own; callers are expected to funnel mutations
// through a single writer. State, LastRecovery and Stats may be read from any
// goroutine.
type Storage struct {
	dir           string
	codec         memento.Codec
	log           *slog.Logger
	openBlobStore BlobStoreOpener
	store         interfaces.BlobStore

	state        atomic.Int32
	lastRecovery atomic.Int32
	closed       atomic.Bool
	gen          atomic.Pointer[generation]

	stored      atomic.Uint64
	unavailable atomic.Uint64
	failures    atomic.Uint64
	purged      atomic.Uint64
}

var (
	_ interfaces.ContentSource = (*Storage)(nil)
	_ interfaces.ContentSource = (*generation)(nil)
)

// generation is the source of the handles issued between two wipes. Blob ids
// restart after a wipe, so handles of an older generation must not reach the
// new blob store.
type generation struct {
	s *Storage
}

func (g *generation) current() bool {
	return g.s.gen.Load() == g
}

func (g *generation) LoadContentData(id interfaces.ContentID) ([]byte, error) {
	if !g.current() {
		return nil, interfaces.ErrContentUnavailable
	}
	return g.s.LoadContentData(id)
}

func (g *generation) RemoveContent(id interfaces.ContentID) error {
	if !g.current() {
		return interfaces.ErrContentUnavailable
	}
	return g.s.RemoveContent(id)
}

// New validates cfg.Dir, wiping it when the version is stale or a broken
// marker is present, and opens the blob store.
func New(cfg *Config) (*Storage, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage directory not configured")
	}
	s := &Storage{
		dir:           cfg.Dir,
		codec:         cfg.Codec,
		log:           cfg.Log,
		openBlobStore: cfg.OpenBlobStore,
	}
	if s.codec == nil {
		s.codec = memento.BinaryCodec{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.openBlobStore == nil {
		s.openBlobStore = OpenFileBlobStore
	}
	s.gen.Store(&generation{s: s})

	if err := s.initStorage(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Storage) initStorage() error {
	reason, err := s.validate()
	if err != nil {
		return err
	}
	if reason != RecoveryNone {
		if err := s.wipe(reason); err != nil {
			return err
		}
	}

	if err := s.openContents(); err != nil {
		s.log.Warn("Failed to open contents, reinitializing storage",
			slog.String("dir", s.dir),
			"err", err)
		if err := s.wipe(RecoveryCorruptContents); err != nil {
			return err
		}
		if err := s.openContents(); err != nil {
			return fmt.Errorf("failed to open contents: %w", err)
		}
	}
	return nil
}

// validate decides whether the directory can be used as is. A missing or
// empty directory is initialized without counting as a recovery.
func (s *Storage) validate() (Recovery, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(entries) == 0) {
		return RecoveryNone, s.createFresh()
	}
	if err != nil {
		return RecoveryNone, fmt.Errorf("failed to read storage directory: %w", err)
	}

	if _, err := os.Stat(s.path(BrokenMarkerFileName)); err == nil {
		return RecoveryBrokenMarker, nil
	}

	raw, err := os.ReadFile(s.path(VersionFileName))
	if err != nil {
		return RecoveryVersionMismatch, nil
	}
	version, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || version != CurrentVersion {
		s.log.Info("Storage version mismatch",
			slog.String("dir", s.dir),
			slog.String("found", strings.TrimSpace(string(raw))),
			slog.Int("expected", CurrentVersion))
		return RecoveryVersionMismatch, nil
	}
	return RecoveryNone, nil
}

func (s *Storage) createFresh() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := os.WriteFile(s.path(VersionFileName), []byte(strconv.Itoa(CurrentVersion)), 0644); err != nil {
		return fmt.Errorf("failed to write version file: %w", err)
	}
	return nil
}

// wipe is the only recovery strategy: the whole directory, history included,
// is deleted and recreated with the current version stamp.
func (s *Storage) wipe(reason Recovery) error {
	s.log.Warn("Wiping local history storage",
		slog.String("dir", s.dir),
		slog.String("reason", reason.String()))

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove storage directory: %w", err)
	}
	if err := s.createFresh(); err != nil {
		return err
	}
	s.lastRecovery.Store(int32(reason))

	// a broken process stays broken; keep the marker for the next start
	if s.State() == StateBroken {
		s.writeBrokenMarker()
	}
	return nil
}

func (s *Storage) openContents() error {
	store, err := s.openBlobStore(s.path(ContentsFileName), s.log)
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

// reinitialize wipes the directory under an open blob store and starts a new
// handle generation. If the directory cannot be recreated the storage is left
// broken without a blob store.
func (s *Storage) reinitialize(reason Recovery) error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Debug("Failed to close contents before wipe", "err", err)
		}
		s.store = nil
	}
	s.gen.Store(&generation{s: s})

	if err := s.wipe(reason); err != nil {
		s.markBroken(err)
		return err
	}
	if err := s.openContents(); err != nil {
		s.markBroken(err)
		return fmt.Errorf("failed to open contents: %w", err)
	}
	return nil
}

// Dir returns the storage directory.
func (s *Storage) Dir() string {
	return s.dir
}

// State returns whether content operations still reach the blob store.
func (s *Storage) State() State {
	return State(s.state.Load())
}

// LastRecovery returns the reason of the most recent wipe, RecoveryNone if
// the directory was used as found.
func (s *Storage) LastRecovery() Recovery {
	return Recovery(s.lastRecovery.Load())
}

// Stats returns the content operation counters.
func (s *Storage) Stats() Stats {
	return Stats{
		Stored:      s.stored.Load(),
		Unavailable: s.unavailable.Load(),
		Failures:    s.failures.Load(),
		Purged:      s.purged.Load(),
	}
}

func (s *Storage) writeBrokenMarker() {
	if err := os.WriteFile(s.path(BrokenMarkerFileName), nil, 0644); err != nil {
		s.log.Error("Failed to write broken marker", slog.String("dir", s.dir), "err", err)
	}
}

func (s *Storage) markBroken(cause error) {
	s.failures.Inc()
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateBroken)) {
		return
	}
	s.log.Error("Local history storage is broken", slog.String("dir", s.dir), "err", cause)
	s.writeBrokenMarker()
}

// LoadMemento reads the snapshot file. A missing file yields the codec's
// default memento; an unreadable one wipes the storage and yields the default
// too. Only a failure to reinitialize is returned as an error.
func (s *Storage) LoadMemento() (*memento.Memento, error) {
	if s.closed.Load() {
		return nil, interfaces.ErrStoreClosed
	}
	f, err := os.Open(s.path(SnapshotFileName))
	if errors.Is(err, os.ErrNotExist) {
		return s.codec.Default(), nil
	}
	if err == nil {
		var m *memento.Memento
		m, err = s.codec.Decode(bufio.NewReader(f), s.gen.Load())
		f.Close()
		if err == nil {
			return m, nil
		}
	}

	s.log.Warn("Failed to load local history snapshot", slog.String("dir", s.dir), "err", err)
	if err := s.reinitialize(RecoveryCorruptSnapshot); err != nil {
		return nil, err
	}
	return s.codec.Default(), nil
}

// StoreMemento overwrites the snapshot file.
func (s *Storage) StoreMemento(m *memento.Memento) error {
	if s.closed.Load() {
		return interfaces.ErrStoreClosed
	}
	var buf bytes.Buffer
	if err := s.codec.Encode(&buf, m); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := s.path(SnapshotFileName + ".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path(SnapshotFileName)); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	s.log.Debug("Stored local history snapshot",
		slog.String("dir", s.dir),
		slog.Int("size", buf.Len()))
	return nil
}

// StoreContent saves data and returns a handle to it. A broken or closed
// storage, or a store failure (which breaks the storage), yields
// content.Unavailable. Data above interfaces.MaxContentLength is not stored and
// is unavailable without breaking the storage.
func (s *Storage) StoreContent(data []byte) content.Content {
	if s.State() == StateBroken || s.closed.Load() {
		s.unavailable.Inc()
		return content.Unavailable
	}
	if len(data) > interfaces.MaxContentLength {
		s.log.Debug("Content too large for local history", slog.Int("size", len(data)))
		s.unavailable.Inc()
		return content.Unavailable
	}

	id, err := s.store.Store(data)
	if err != nil {
		s.markBroken(err)
		s.unavailable.Inc()
		return content.Unavailable
	}
	s.stored.Inc()
	return content.NewStored(id, s.gen.Load())
}

// isBenign reports whether err says nothing about the health of the blob store.
func isBenign(err error) bool {
	return errors.Is(err, interfaces.ErrContentRemoved) ||
		errors.Is(err, interfaces.ErrContentNotFound) ||
		errors.Is(err, interfaces.ErrStoreClosed)
}

// LoadContentData returns the bytes stored under id. Any store failure other
// than a removed or unknown id breaks the storage.
func (s *Storage) LoadContentData(id interfaces.ContentID) ([]byte, error) {
	if s.State() == StateBroken {
		return nil, interfaces.ErrStorageBroken
	}
	if s.closed.Load() {
		return nil, interfaces.ErrStoreClosed
	}
	data, err := s.store.Load(id)
	if err != nil {
		if !isBenign(err) {
			s.markBroken(err)
		}
		return nil, err
	}
	return data, nil
}

// RemoveContent purges the blob stored under id.
func (s *Storage) RemoveContent(id interfaces.ContentID) error {
	if s.State() == StateBroken {
		return interfaces.ErrStorageBroken
	}
	if s.closed.Load() {
		return interfaces.ErrStoreClosed
	}
	if err := s.store.Remove(id); err != nil {
		if !isBenign(err) {
			s.markBroken(err)
		}
		return err
	}
	s.purged.Inc()
	return nil
}

// PurgeContent drops the blob behind c. Handles without a store id are ignored;
// handles issued before a wipe, or by another Storage, are unavailable.
func (s *Storage) PurgeContent(c content.Content) error {
	stored, ok := c.(*content.Stored)
	if !ok {
		return nil
	}
	if !s.owns(stored) {
		return fmt.Errorf("purging content %s: %w", stored.ID(), interfaces.ErrContentUnavailable)
	}
	return s.RemoveContent(stored.ID())
}

// owns reports whether c was issued by the current blob store.
func (s *Storage) owns(c *content.Stored) bool {
	src := c.Source()
	return src == interfaces.ContentSource(s) || src == interfaces.ContentSource(s.gen.Load())
}

// PurgeContents drops every blob in cs and joins the failures.
func (s *Storage) PurgeContents(cs []content.Content) error {
	var errs []error
	for _, c := range cs {
		if err := s.PurgeContent(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsContentPurged reports whether the blob behind c was removed, which tells a
// purged revision apart from a corrupted one.
func (s *Storage) IsContentPurged(c content.Content) bool {
	stored, ok := c.(*content.Stored)
	if !ok || !s.owns(stored) {
		return false
	}
	if s.closed.Load() || s.store == nil {
		return false
	}
	removed, err := s.store.IsRemoved(c.ID())
	if err != nil {
		s.log.Debug("Failed to query removed content", slog.String("id", c.ID().String()), "err", err)
		return false
	}
	return removed
}

// Save flushes the blob store. The snapshot is only written by StoreMemento.
func (s *Storage) Save() error {
	if s.closed.Load() {
		return interfaces.ErrStoreClosed
	}
	if s.store == nil {
		return interfaces.ErrStorageBroken
	}
	return s.store.Save()
}

// Close flushes and closes the blob store. Handles issued by s stay valid
// values but report their content unavailable. Close is idempotent.
func (s *Storage) Close() error {
	if s.closed.Swap(true) || s.store == nil {
		return nil
	}
	return s.store.Close()
}
