package blobstore

import (
	"encoding/csv"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/ruteri/local-history-storage/interfaces"
)

// Files we use:
// - an index journal where every line is either a put record (id, number of
//   segment file, offset within the segment, size of the compressed blob) or
//   a remove record (id), followed by the crc32 of the preceding fields
// - one or more segment files holding snappy-compressed blobs back to back.
//   A new segment is started once the current one reaches maxSegmentSize

const (
	// DefaultMaxSegmentSize is the segment size at which a new segment file is started.
	DefaultMaxSegmentSize = 10 * 1024 * 1024

	recPut    = "put"
	recRemove = "rm"

	// first line in index file, for additional safety
	idxHdr = "local-history-contents 2"

	recChecksumLen = 8
)

var (
	errInvalidIndexHdr    = errors.New("invalid index file header")
	errInvalidIndexLine   = errors.New("invalid index line")
	errSegmentFileMissing = errors.New("segment file missing")
	errBlobOutOfBounds    = errors.New("blob extends past segment end")
)

type blob struct {
	segment int
	offset  int
	size    int
	removed bool
}

// Store is an append-only BlobStore. Removal writes a tombstone to the index
// and never reclaims segment space.
type Store struct {
	mu             sync.Mutex
	basePath       string
	maxSegmentSize int
	log            *slog.Logger

	blobs  map[interfaces.ContentID]*blob
	nextID interfaces.ContentID

	idxFile         *os.File
	idxCsvWriter    *csv.Writer
	currSegmentFile *os.File
	currSegmentNo   int
	currSegmentSize int
	// one more segment file (besides the current one) is kept open for Load
	cachedSegmentFile *os.File
	cachedSegmentNo   int
	needsNewline      bool
	closed            bool
}

var _ interfaces.BlobStore = (*Store)(nil)

// IndexFilePath returns the path of the index journal for basePath.
func IndexFilePath(basePath string) string {
	return basePath + "_idx.csv"
}

// SegmentFilePath returns the path of segment n for basePath.
func SegmentFilePath(basePath string, n int) string {
	return fmt.Sprintf("%s_%d.dat", basePath, n)
}

// New opens or creates the store rooted at basePath with the default segment size.
func New(basePath string, log *slog.Logger) (*Store, error) {
	return NewWithLimit(basePath, DefaultMaxSegmentSize, log)
}

// NewWithLimit opens or creates the store rooted at basePath.
func NewWithLimit(basePath string, maxSegmentSize int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	store := &Store{
		basePath:        basePath,
		maxSegmentSize:  maxSegmentSize,
		log:             log,
		blobs:           make(map[interfaces.ContentID]*blob),
		nextID:          1,
		cachedSegmentNo: -1,
	}

	if err := os.MkdirAll(filepath.Dir(basePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	idxPath := IndexFilePath(basePath)
	_, statErr := os.Stat(idxPath)
	idxDidExist := statErr == nil
	if idxDidExist {
		if err := store.readIndex(); err != nil {
			return nil, err
		}
	}

	var err error
	if store.idxFile, err = os.OpenFile(idxPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644); err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	store.idxCsvWriter = csv.NewWriter(store.idxFile)
	if store.needsNewline {
		if _, err = store.idxFile.Write([]byte{'\n'}); err != nil {
			store.closeFiles()
			return nil, fmt.Errorf("failed to repair index file: %w", err)
		}
	}
	if !idxDidExist {
		if err = store.idxCsvWriter.WriteAll([][]string{{idxHdr}}); err != nil {
			store.closeFiles()
			return nil, fmt.Errorf("failed to write index header: %w", err)
		}
	}

	segmentPath := SegmentFilePath(basePath, store.currSegmentNo)
	stat, err := os.Stat(segmentPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || store.currSegmentNo != 0 {
			store.closeFiles()
			return nil, errSegmentFileMissing
		}
	} else {
		store.currSegmentSize = int(stat.Size())
	}
	store.currSegmentFile, err = os.OpenFile(segmentPath, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		store.closeFiles()
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}

	store.log.Debug("Opened blob store",
		slog.String("path", basePath),
		slog.Int("blobs", len(store.blobs)),
		slog.Int("segment", store.currSegmentNo))

	return store, nil
}

func recordChecksum(fields []string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(strings.Join(fields, ","))))
}

func indexRecord(fields ...string) []string {
	return append(fields, recordChecksum(fields))
}

func decodeIndexLine(line []string) (id interfaces.ContentID, b blob, err error) {
	if len(line) < 3 {
		return 0, b, errInvalidIndexLine
	}
	// a torn last line loses digits of its checksum first
	sum := line[len(line)-1]
	rec := line[:len(line)-1]
	if len(sum) != recChecksumLen || sum != recordChecksum(rec) {
		return 0, b, errInvalidIndexLine
	}
	v, err := strconv.ParseInt(rec[1], 10, 64)
	if err != nil || v < 0 {
		return 0, b, errInvalidIndexLine
	}
	id = interfaces.ContentID(v)
	switch rec[0] {
	case recRemove:
		if len(rec) != 2 {
			return 0, b, errInvalidIndexLine
		}
		b.removed = true
		return id, b, nil
	case recPut:
		if len(rec) != 5 {
			return 0, b, errInvalidIndexLine
		}
		if b.segment, err = strconv.Atoi(rec[2]); err != nil {
			return 0, b, errInvalidIndexLine
		}
		if b.offset, err = strconv.Atoi(rec[3]); err != nil {
			return 0, b, errInvalidIndexLine
		}
		if b.size, err = strconv.Atoi(rec[4]); err != nil {
			return 0, b, errInvalidIndexLine
		}
		// snappy output is never empty
		if b.segment < 0 || b.offset < 0 || b.size <= 0 {
			return 0, b, errInvalidIndexLine
		}
		return id, b, nil
	default:
		return 0, b, errInvalidIndexLine
	}
}

func (store *Store) readIndex() error {
	path := IndexFilePath(store.basePath)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	csvReader := csv.NewReader(file)
	csvReader.FieldsPerRecord = -1
	rec, err := csvReader.Read()
	if err != nil || len(rec) != 1 || rec[0] != idxHdr {
		return errInvalidIndexHdr
	}
	goodOffset := csvReader.InputOffset()

	segmentSizes := make(map[int]int64)
	for {
		rec, err = csvReader.Read()
		if err != nil {
			break
		}
		id, b, decodeErr := decodeIndexLine(rec)
		if decodeErr != nil {
			err = decodeErr
			break
		}
		if b.removed {
			if existing, ok := store.blobs[id]; ok {
				existing.removed = true
			}
		} else {
			size, ok := segmentSizes[b.segment]
			if !ok {
				stat, statErr := os.Stat(SegmentFilePath(store.basePath, b.segment))
				if statErr != nil {
					return errSegmentFileMissing
				}
				size = stat.Size()
				segmentSizes[b.segment] = size
			}
			// the index line made it to disk but the blob did not
			if int64(b.offset)+int64(b.size) > size {
				err = errBlobOutOfBounds
				break
			}
			bb := b
			store.blobs[id] = &bb
			if b.segment > store.currSegmentNo {
				store.currSegmentNo = b.segment
			}
		}
		if id >= store.nextID {
			store.nextID = id + 1
		}
		goodOffset = csvReader.InputOffset()
	}

	if err == io.EOF {
		store.checkNewline(file, goodOffset)
		return nil
	}

	// a crash mid-append leaves a partial last line; drop it so new records
	// don't get glued to it
	store.log.Warn("Truncating damaged index tail",
		slog.String("path", path),
		slog.Int64("offset", goodOffset),
		"err", err)
	if truncErr := os.Truncate(path, goodOffset); truncErr != nil {
		return fmt.Errorf("failed to truncate index file: %w", truncErr)
	}
	return nil
}

// checkNewline notes whether the last record lost its line terminator.
func (store *Store) checkNewline(idx *os.File, size int64) {
	if size <= 0 {
		return
	}
	last := make([]byte, 1)
	if _, err := idx.ReadAt(last, size-1); err == nil && last[0] != '\n' {
		store.needsNewline = true
	}
}

func closeFilePtr(filePtr **os.File) (err error) {
	f := *filePtr
	if f != nil {
		err = f.Close()
		*filePtr = nil
	}
	return err
}

func (store *Store) closeFiles() error {
	return errors.Join(
		closeFilePtr(&store.idxFile),
		closeFilePtr(&store.currSegmentFile),
		closeFilePtr(&store.cachedSegmentFile),
	)
}

func (store *Store) writeRecord(rec []string) error {
	return store.idxCsvWriter.WriteAll([][]string{rec})
}

// Store compresses and appends data, returning its new id.
func (store *Store) Store(data []byte) (interfaces.ContentID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return interfaces.UnavailableID, interfaces.ErrStoreClosed
	}
	if len(data) > interfaces.MaxContentLength {
		return interfaces.UnavailableID, fmt.Errorf("%w: %d bytes", interfaces.ErrContentTooLarge, len(data))
	}

	encoded := snappy.Encode(nil, data)
	b := &blob{
		segment: store.currSegmentNo,
		offset:  store.currSegmentSize,
		size:    len(encoded),
	}
	if _, err := store.currSegmentFile.Write(encoded); err != nil {
		return interfaces.UnavailableID, fmt.Errorf("failed to write segment: %w", err)
	}
	store.currSegmentSize += b.size

	id := store.nextID
	rec := indexRecord(recPut, id.String(), strconv.Itoa(b.segment), strconv.Itoa(b.offset), strconv.Itoa(b.size))
	if err := store.writeRecord(rec); err != nil {
		return interfaces.UnavailableID, fmt.Errorf("failed to write index: %w", err)
	}
	store.blobs[id] = b
	store.nextID++

	if store.currSegmentSize >= store.maxSegmentSize {
		if err := store.rollSegment(); err != nil {
			return interfaces.UnavailableID, err
		}
	}
	return id, nil
}

// filled current segment => create a new one
func (store *Store) rollSegment() error {
	if err := store.currSegmentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment: %w", err)
	}
	if err := closeFilePtr(&store.currSegmentFile); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}
	store.currSegmentNo++
	store.currSegmentSize = 0
	f, err := os.OpenFile(SegmentFilePath(store.basePath, store.currSegmentNo), os.O_APPEND|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	store.currSegmentFile = f
	store.log.Debug("Started new segment", slog.Int("segment", store.currSegmentNo))
	return nil
}

func (store *Store) getSegmentFile(n int) (*os.File, error) {
	if n == store.currSegmentNo {
		return store.currSegmentFile, nil
	}
	if n == store.cachedSegmentNo && store.cachedSegmentFile != nil {
		return store.cachedSegmentFile, nil
	}
	closeFilePtr(&store.cachedSegmentFile)
	f, err := os.Open(SegmentFilePath(store.basePath, n))
	if err != nil {
		return nil, err
	}
	store.cachedSegmentFile = f
	store.cachedSegmentNo = n
	return f, nil
}

// Load returns the decompressed bytes stored under id.
func (store *Store) Load(id interfaces.ContentID) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil, interfaces.ErrStoreClosed
	}
	b, ok := store.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, id)
	}
	if b.removed {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentRemoved, id)
	}

	f, err := store.getSegmentFile(b.segment)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %d: %w", b.segment, err)
	}
	encoded := make([]byte, b.size)
	if _, err := f.ReadAt(encoded, int64(b.offset)); err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}

	n, err := snappy.DecodedLen(encoded)
	if err != nil {
		return nil, fmt.Errorf("corrupted blob %s: %w", id, err)
	}
	if n > interfaces.MaxContentLength {
		return nil, fmt.Errorf("corrupted blob %s: decoded length %d exceeds limit", id, n)
	}
	data, err := snappy.Decode(nil, encoded)
	if err != nil {
		return nil, fmt.Errorf("corrupted blob %s: %w", id, err)
	}
	return data, nil
}

// Remove marks id as removed.
func (store *Store) Remove(id interfaces.ContentID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return interfaces.ErrStoreClosed
	}
	b, ok := store.blobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, id)
	}
	if b.removed {
		return nil
	}
	if err := store.writeRecord(indexRecord(recRemove, id.String())); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	b.removed = true
	return nil
}

// IsRemoved reports whether id carries a tombstone. Unknown ids are not removed.
func (store *Store) IsRemoved(id interfaces.ContentID) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return false, interfaces.ErrStoreClosed
	}
	b, ok := store.blobs[id]
	return ok && b.removed, nil
}

// Len returns the number of blobs that are not removed.
func (store *Store) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	n := 0
	for _, b := range store.blobs {
		if !b.removed {
			n++
		}
	}
	return n
}

func (store *Store) save() error {
	store.idxCsvWriter.Flush()
	if err := store.idxCsvWriter.Error(); err != nil {
		return fmt.Errorf("failed to flush index: %w", err)
	}
	if err := store.idxFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync index: %w", err)
	}
	if err := store.currSegmentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment: %w", err)
	}
	return nil
}

// Save flushes the index and fsyncs the open files.
func (store *Store) Save() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return interfaces.ErrStoreClosed
	}
	return store.save()
}

// Close saves and releases the store's files. Closing twice is a no-op.
func (store *Store) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil
	}
	store.closed = true
	saveErr := store.save()
	return errors.Join(saveErr, store.closeFiles())
}
