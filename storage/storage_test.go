package storage

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/local-history-storage/blobstore"
	"github.com/ruteri/local-history-storage/content"
	"github.com/ruteri/local-history-storage/interfaces"
	"github.com/ruteri/local-history-storage/memento"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// MockBlobStore implements interfaces.BlobStore for testing
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Store(data []byte) (interfaces.ContentID, error) {
	args := m.Called(data)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockBlobStore) Load(id interfaces.ContentID) ([]byte, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBlobStore) Remove(id interfaces.ContentID) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockBlobStore) IsRemoved(id interfaces.ContentID) (bool, error) {
	args := m.Called(id)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlobStore) Save() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockBlobStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

var errDisk = errors.New("input/output error")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStorage(t *testing.T, dir string) *Storage {
	t.Helper()
	s, err := New(&Config{Dir: dir, Log: testLogger()})
	require.NoError(t, err)
	return s
}

func openMockStorage(t *testing.T, store *MockBlobStore) *Storage {
	t.Helper()
	s, err := New(&Config{
		Dir: filepath.Join(t.TempDir(), "history"),
		Log: testLogger(),
		OpenBlobStore: func(string, *slog.Logger) (interfaces.BlobStore, error) {
			return store, nil
		},
	})
	require.NoError(t, err)
	return s
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readVersion(t *testing.T, dir string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, VersionFileName))
	require.NoError(t, err)
	return string(raw)
}

func TestNew_FreshDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := openTestStorage(t, dir)
	defer s.Close()

	assert.Equal(t, "14", readVersion(t, dir))
	assert.Equal(t, RecoveryNone, s.LastRecovery())
	assert.Equal(t, StateOpen, s.State())
	assert.False(t, fileExists(filepath.Join(dir, BrokenMarkerFileName)))
}

func TestStorage_StoreContentRoundTrip(t *testing.T) {
	s := openTestStorage(t, filepath.Join(t.TempDir(), "history"))
	defer s.Close()

	rnd := rand.New(rand.NewSource(0))
	inputs := [][]byte{nil, {}, []byte("hello"), make([]byte, interfaces.MaxContentLength)}
	for i := 0; i < 20; i++ {
		d := make([]byte, rnd.Intn(8192))
		rnd.Read(d)
		inputs = append(inputs, d)
	}

	for _, in := range inputs {
		c := s.StoreContent(in)
		require.True(t, c.IsAvailable())
		out, err := c.Bytes()
		require.NoError(t, err)
		assert.Equal(t, len(in), len(out))
		if len(in) > 0 {
			assert.Equal(t, in, out)
		}
	}
	assert.Equal(t, uint64(len(inputs)), s.Stats().Stored)
}

func TestStorage_PurgeContent(t *testing.T) {
	s := openTestStorage(t, filepath.Join(t.TempDir(), "history"))
	defer s.Close()

	c := s.StoreContent([]byte("revision 1"))
	other := s.StoreContent([]byte("revision 2"))
	require.True(t, c.IsAvailable())
	assert.False(t, s.IsContentPurged(c))

	require.NoError(t, s.PurgeContent(c))
	assert.True(t, s.IsContentPurged(c))
	assert.False(t, c.IsAvailable())
	_, err := c.Bytes()
	assert.ErrorIs(t, err, interfaces.ErrContentRemoved)

	// a purged id is not corruption
	assert.Equal(t, StateOpen, s.State())
	assert.True(t, other.IsAvailable())

	assert.NoError(t, s.PurgeContent(content.Unavailable))
	assert.NoError(t, s.PurgeContent(content.NewBytes([]byte("x"))))
	assert.False(t, s.IsContentPurged(content.Unavailable))
}

func TestStorage_PurgeContents(t *testing.T) {
	s := openTestStorage(t, filepath.Join(t.TempDir(), "history"))
	defer s.Close()

	var cs []content.Content
	for i := 0; i < 5; i++ {
		cs = append(cs, s.StoreContent([]byte{byte(i)}))
	}
	require.NoError(t, s.PurgeContents(cs[:3]))

	for i, c := range cs {
		assert.Equal(t, i < 3, s.IsContentPurged(c), "content %d", i)
	}
	assert.Equal(t, uint64(3), s.Stats().Purged)

	err := s.PurgeContents([]content.Content{content.NewStored(999, s)})
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestStorage_TooLargeContent(t *testing.T) {
	s := openTestStorage(t, filepath.Join(t.TempDir(), "history"))
	defer s.Close()

	c := s.StoreContent(make([]byte, interfaces.MaxContentLength+1))
	assert.Equal(t, content.Unavailable, c)
	assert.Equal(t, StateOpen, s.State())
	assert.True(t, s.StoreContent([]byte("small")).IsAvailable())
}

func TestStorage_BrokenOnStoreFailure(t *testing.T) {
	store := new(MockBlobStore)
	store.On("Store", mock.Anything).Return(interfaces.ContentID(0), errDisk).Once()
	s := openMockStorage(t, store)

	c := s.StoreContent([]byte("first"))
	assert.Equal(t, content.Unavailable, c)
	assert.Equal(t, StateBroken, s.State())
	assert.True(t, fileExists(filepath.Join(s.Dir(), BrokenMarkerFileName)))

	for i := 0; i < 3; i++ {
		assert.Equal(t, content.Unavailable, s.StoreContent([]byte("more")))
	}
	store.AssertNumberOfCalls(t, "Store", 1)

	_, err := s.LoadContentData(1)
	assert.ErrorIs(t, err, interfaces.ErrStorageBroken)
	store.AssertNotCalled(t, "Load", mock.Anything)

	assert.ErrorIs(t, s.RemoveContent(1), interfaces.ErrStorageBroken)
	assert.Equal(t, uint64(4), s.Stats().Unavailable)
	assert.Equal(t, uint64(1), s.Stats().Failures)
}

func TestStorage_BrokenOnLoadFailure(t *testing.T) {
	store := new(MockBlobStore)
	store.On("Store", mock.Anything).Return(interfaces.ContentID(1), nil)
	store.On("Load", interfaces.ContentID(2)).Return(nil, interfaces.ErrContentRemoved)
	store.On("Load", interfaces.ContentID(1)).Return(nil, errDisk).Once()
	s := openMockStorage(t, store)

	c := s.StoreContent([]byte("data"))
	require.Equal(t, interfaces.ContentID(1), c.ID())

	_, err := s.LoadContentData(2)
	assert.ErrorIs(t, err, interfaces.ErrContentRemoved)
	assert.Equal(t, StateOpen, s.State())

	_, err = c.Bytes()
	assert.ErrorIs(t, err, errDisk)
	assert.Equal(t, StateBroken, s.State())
	assert.True(t, fileExists(filepath.Join(s.Dir(), BrokenMarkerFileName)))

	assert.False(t, c.IsAvailable())
	assert.Equal(t, content.Unavailable, s.StoreContent([]byte("after")))
	store.AssertNumberOfCalls(t, "Store", 1)
	store.AssertNumberOfCalls(t, "Load", 2)
}

func TestStorage_SaveAndCloseForward(t *testing.T) {
	store := new(MockBlobStore)
	store.On("Save").Return(nil).Once()
	store.On("Close").Return(nil).Once()
	s := openMockStorage(t, store)

	require.NoError(t, s.Save())
	require.NoError(t, s.Close())
	store.AssertExpectations(t)
}

func TestNew_StaleVersionWipes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := openTestStorage(t, dir)
	c := s.StoreContent([]byte("old revision"))
	require.NoError(t, s.StoreMemento(memento.New()))
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, VersionFileName), []byte("13"), 0644))

	s = openTestStorage(t, dir)
	defer s.Close()

	assert.Equal(t, RecoveryVersionMismatch, s.LastRecovery())
	assert.Equal(t, "14", readVersion(t, dir))
	assert.False(t, fileExists(filepath.Join(dir, SnapshotFileName)))
	assert.False(t, content.NewStored(c.ID(), s).IsAvailable())
}

func TestNew_MissingVersionWipes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover"), []byte("x"), 0644))

	s := openTestStorage(t, dir)
	defer s.Close()

	assert.Equal(t, RecoveryVersionMismatch, s.LastRecovery())
	assert.False(t, fileExists(filepath.Join(dir, "leftover")))
	assert.Equal(t, "14", readVersion(t, dir))
}

func TestNew_BrokenMarkerWipes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := openTestStorage(t, dir)
	c := s.StoreContent([]byte("revision"))
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, BrokenMarkerFileName), nil, 0644))

	s = openTestStorage(t, dir)
	defer s.Close()

	assert.Equal(t, RecoveryBrokenMarker, s.LastRecovery())
	assert.Equal(t, StateOpen, s.State())
	assert.False(t, fileExists(filepath.Join(dir, BrokenMarkerFileName)))
	assert.Equal(t, "14", readVersion(t, dir))
	assert.False(t, content.NewStored(c.ID(), s).IsAvailable())
}

func TestNew_CorruptContentsWipes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := openTestStorage(t, dir)
	s.StoreContent([]byte("revision"))
	require.NoError(t, s.Close())

	base := filepath.Join(dir, ContentsFileName)
	require.NoError(t, os.WriteFile(blobstore.IndexFilePath(base), []byte("not an index\n"), 0644))

	s = openTestStorage(t, dir)
	defer s.Close()

	assert.Equal(t, RecoveryCorruptContents, s.LastRecovery())
	assert.True(t, s.StoreContent([]byte("fresh")).IsAvailable())
}

func TestStorage_LoadMementoMissing(t *testing.T) {
	s := openTestStorage(t, filepath.Join(t.TempDir(), "history"))
	defer s.Close()

	m, err := s.LoadMemento()
	require.NoError(t, err)
	assert.Empty(t, m.Root.Children)
	assert.Zero(t, m.EntryCounter)
	assert.Equal(t, RecoveryNone, s.LastRecovery())
}

func TestStorage_MementoRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := openTestStorage(t, dir)

	data := []byte("func main() {}")
	c := s.StoreContent(data)
	m := memento.New()
	m.Root.AddChild(memento.NewFile(m.NextID(), "main.go", c, 1234))
	m.ChangeList.Add(&memento.ChangeSet{ID: 1, Name: "Create", Timestamp: 1234,
		Changes: []memento.Change{{Kind: memento.CreateFile, Path: "main.go", EntryID: 1}}})
	require.NoError(t, s.StoreMemento(m))
	require.NoError(t, s.Close())

	s = openTestStorage(t, dir)
	defer s.Close()

	loaded, err := s.LoadMemento()
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.EntryCounter)
	file := loaded.Root.Find("main.go")
	require.NotNil(t, file)
	assert.Equal(t, c.ID(), file.Content.ID())
	got, err := file.Content.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, loaded.ChangeList.Len())
}

func TestStorage_CorruptSnapshotReinitializes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := openTestStorage(t, dir)
	c := s.StoreContent([]byte("revision"))
	m := memento.New()
	m.Root.AddChild(memento.NewFile(m.NextID(), "a.txt", c, 0))
	require.NoError(t, s.StoreMemento(m))
	require.NoError(t, s.Close())

	snapshot := filepath.Join(dir, SnapshotFileName)
	info, err := os.Stat(snapshot)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(snapshot, info.Size()/2))

	s = openTestStorage(t, dir)
	defer s.Close()
	unsaved := s.StoreContent([]byte("unsaved revision"))
	require.True(t, unsaved.IsAvailable())

	loaded, err := s.LoadMemento()
	require.NoError(t, err)
	assert.Empty(t, loaded.Root.Children)
	assert.Equal(t, RecoveryCorruptSnapshot, s.LastRecovery())
	assert.False(t, fileExists(snapshot))
	assert.Equal(t, "14", readVersion(t, dir))
	assert.False(t, content.NewStored(c.ID(), s).IsAvailable())

	// storage keeps working after the reset
	fresh := s.StoreContent([]byte("after reset"))
	assert.True(t, fresh.IsAvailable())
	second := s.StoreContent([]byte("second after reset"))
	require.Equal(t, unsaved.ID(), second.ID())
	require.NoError(t, s.StoreMemento(loaded))

	// handles from before the reset don't alias the reused ids
	for _, old := range []content.Content{c, unsaved} {
		assert.False(t, old.IsAvailable())
		_, err := old.Bytes()
		assert.Error(t, err)
		assert.False(t, s.IsContentPurged(old))
	}
	_, err = unsaved.Bytes()
	assert.ErrorIs(t, err, interfaces.ErrContentUnavailable)
	assert.ErrorIs(t, s.PurgeContent(unsaved), interfaces.ErrContentUnavailable)
	assert.ErrorIs(t, unsaved.Purge(), interfaces.ErrContentUnavailable)
	assert.True(t, second.IsAvailable())
	assert.Equal(t, StateOpen, s.State())
}

func TestStorage_SnapshotLengthOverflow(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := openTestStorage(t, dir)
	defer s.Close()

	raw := append(protowire.AppendVarint(nil, ^uint64(0)-1), make([]byte, 6)...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SnapshotFileName), raw, 0644))

	var (
		loaded *memento.Memento
		err    error
	)
	require.NotPanics(t, func() { loaded, err = s.LoadMemento() })
	require.NoError(t, err)
	assert.Empty(t, loaded.Root.Children)
	assert.Equal(t, RecoveryCorruptSnapshot, s.LastRecovery())
	assert.Equal(t, StateOpen, s.State())
}

func TestStorage_HandlesAfterClose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := openTestStorage(t, dir)
	c := s.StoreContent([]byte("revision"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.False(t, c.IsAvailable())
	_, err := c.Bytes()
	assert.ErrorIs(t, err, interfaces.ErrStoreClosed)
	assert.ErrorIs(t, c.Purge(), interfaces.ErrStoreClosed)
	assert.False(t, s.IsContentPurged(c))
	assert.Equal(t, content.Unavailable, s.StoreContent([]byte("late")))
	assert.ErrorIs(t, s.Save(), interfaces.ErrStoreClosed)
	_, err = s.LoadMemento()
	assert.ErrorIs(t, err, interfaces.ErrStoreClosed)

	// closing is not a failure
	assert.Equal(t, StateOpen, s.State())
	assert.Zero(t, s.Stats().Failures)
	assert.False(t, fileExists(filepath.Join(dir, BrokenMarkerFileName)))

	s = openTestStorage(t, dir)
	defer s.Close()
	assert.Equal(t, RecoveryNone, s.LastRecovery())
	got, err := content.NewStored(c.ID(), s).Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("revision"), got)
}

func TestStorage_ClosedBlobStoreIsNotBreakage(t *testing.T) {
	store := new(MockBlobStore)
	store.On("Store", mock.Anything).Return(interfaces.ContentID(1), nil)
	store.On("Load", interfaces.ContentID(1)).Return(nil, interfaces.ErrStoreClosed)
	s := openMockStorage(t, store)

	c := s.StoreContent([]byte("data"))
	assert.False(t, c.IsAvailable())
	assert.Equal(t, StateOpen, s.State())
	assert.False(t, fileExists(filepath.Join(s.Dir(), BrokenMarkerFileName)))
}

func TestStorage_FailedReinitializeBreaks(t *testing.T) {
	store := new(MockBlobStore)
	store.On("Store", mock.Anything).Return(interfaces.ContentID(1), nil).Once()
	store.On("Close").Return(nil).Once()

	opens := 0
	s, err := New(&Config{
		Dir: filepath.Join(t.TempDir(), "history"),
		Log: testLogger(),
		OpenBlobStore: func(string, *slog.Logger) (interfaces.BlobStore, error) {
			opens++
			if opens > 1 {
				return nil, errDisk
			}
			return store, nil
		},
	})
	require.NoError(t, err)
	c := s.StoreContent([]byte("before"))
	require.Equal(t, interfaces.ContentID(1), c.ID())

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), SnapshotFileName), []byte{0xff}, 0644))
	_, err = s.LoadMemento()
	assert.ErrorIs(t, err, errDisk)
	assert.Equal(t, StateBroken, s.State())
	assert.True(t, fileExists(filepath.Join(s.Dir(), BrokenMarkerFileName)))

	assert.NotPanics(t, func() {
		assert.Equal(t, content.Unavailable, s.StoreContent([]byte("after")))
		_, err := s.LoadContentData(1)
		assert.ErrorIs(t, err, interfaces.ErrStorageBroken)
		assert.ErrorIs(t, s.RemoveContent(1), interfaces.ErrStorageBroken)
		assert.False(t, c.IsAvailable())
		assert.False(t, s.IsContentPurged(content.NewStored(1, s)))
		assert.ErrorIs(t, s.Save(), interfaces.ErrStorageBroken)
		assert.NoError(t, s.Close())
	})
	store.AssertExpectations(t)
	assert.Equal(t, 2, opens)
}

func TestStorage_WipeKeepsBrokenMarker(t *testing.T) {
	store := new(MockBlobStore)
	store.On("Store", mock.Anything).Return(interfaces.ContentID(0), errDisk)
	store.On("Close").Return(nil)
	s := openMockStorage(t, store)

	s.StoreContent([]byte("x"))
	require.Equal(t, StateBroken, s.State())

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), SnapshotFileName), []byte{0xff}, 0644))
	_, err := s.LoadMemento()
	require.NoError(t, err)

	assert.Equal(t, StateBroken, s.State())
	assert.True(t, fileExists(filepath.Join(s.Dir(), BrokenMarkerFileName)))
}

func TestStorage_StoreMementoFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := openTestStorage(t, dir)
	defer s.Close()

	require.NoError(t, os.RemoveAll(dir))
	assert.Error(t, s.StoreMemento(memento.New()))

	bad := memento.New()
	bad.Root.AddChild(memento.NewFile(1, "x", content.NewBytes([]byte("x")), 0))
	assert.ErrorIs(t, s.StoreMemento(bad), interfaces.ErrNotPersistable)
}

func TestNew_RequiresDir(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
}
