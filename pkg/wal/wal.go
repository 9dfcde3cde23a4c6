// Package wal owns the active write-ahead log file: a buffered append path
// with a configurable fsync cadence, positional reads, a restartable scan,
// and the atomic rename dance used to swap in a freshly compacted file.
// See spec sections 4.3 and 6.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"crabkv/pkg/record"
)

const (
	activeName  = "wal.log"
	oldName     = "wal.log.old"
	compactName = "wal.log.compact"
)

// WAL owns one append-only file inside a data directory.
type WAL struct {
	mu sync.Mutex

	dir  string
	path string

	file   *os.File // write handle, opened O_APPEND
	writer *bufio.Writer
	reader *os.File // read handle kept open with the writer; ReadAt and Scan open their own

	offset int64 // size of the file as of the last successful append

	syncInterval time.Duration // 0 means fsync after every append
	lastSync     time.Time

	fsyncCount atomic.Uint64
}

// Open recovers the active WAL in dir per spec section 6:
//  1. if wal.log exists, use it and delete any stray wal.log.old/wal.log.compact
//  2. else if wal.log.old exists, rename it to wal.log
//  3. else create an empty wal.log
func Open(dir string, syncInterval time.Duration) (*WAL, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	active := filepath.Join(dir, activeName)
	old := filepath.Join(dir, oldName)
	compact := filepath.Join(dir, compactName)

	switch _, err := os.Stat(active); {
	case err == nil:
		removeIfExists(old)
		removeIfExists(compact)
	case os.IsNotExist(err):
		if _, err := os.Stat(old); err == nil {
			slog.Warn("recovering active WAL from stray .old file", "path", old)
			if err := os.Rename(old, active); err != nil {
				return nil, fmt.Errorf("recover wal.log.old: %w", err)
			}
			removeIfExists(compact)
		}
	default:
		return nil, fmt.Errorf("stat active wal: %w", err)
	}

	w, err := open(active, syncInterval)
	if err != nil {
		return nil, err
	}
	w.dir = dir

	slog.Info("wal opened", "path", active, "size", w.offset, "sync_interval", syncInterval)
	return w, nil
}

// Create opens (creating if absent) a WAL at an exact path with no
// recovery dance and no sibling-file awareness — used by the compactor to
// build a scratch file alongside the live active WAL without disturbing
// it (spec section 4.5, steps 3-4).
func Create(path string) (*WAL, error) {
	return open(path, 0)
}

func open(path string, syncInterval time.Duration) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}
	reader, err := os.Open(path)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open wal read handle: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("stat wal file: %w", err)
	}

	return &WAL{
		dir:          filepath.Dir(path),
		path:         path,
		file:         file,
		writer:       bufio.NewWriter(file),
		reader:       reader,
		offset:       info.Size(),
		syncInterval: syncInterval,
		lastSync:     time.Now(),
	}, nil
}

func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove stray wal file", "path", path, "error", err)
	}
}

// Path returns the current active WAL file path.
func (w *WAL) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Size returns the current logical size of the active WAL.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// FsyncCount returns the number of fsyncs issued since open, for tests and
// the /stats admin endpoint (spec section 8, scenario 6).
func (w *WAL) FsyncCount() uint64 {
	return w.fsyncCount.Load()
}

// Appended describes one record written by Append/AppendBatch: where it
// starts and its decoded header, enough for a caller to populate an index
// pointer without a second encode or a read-back.
type Appended struct {
	Offset int64
	Header record.Header
}

// Append encodes and writes a single record, returning where it starts and
// its header. The buffer is always flushed to the OS so a subsequent
// ReadAt/Scan sees the bytes; fsync follows the configured cadence.
func (w *WAL) Append(rec record.Record, compress bool) (Appended, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, h, err := record.EncodeWithHeader(rec, compress)
	if err != nil {
		return Appended{}, err
	}

	start := w.offset
	if err := w.writeAndFlush(buf); err != nil {
		return Appended{}, err
	}
	w.offset += int64(len(buf))

	if err := w.maybeSync(); err != nil {
		return Appended{}, err
	}
	return Appended{Offset: start, Header: h}, nil
}

// AppendBatch encodes each record contiguously, shares a single fsync
// decision, and returns the placement of each record in order.
func (w *WAL) AppendBatch(recs []record.Record, compress bool) ([]Appended, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	results := make([]Appended, len(recs))
	var batch []byte
	cursor := w.offset

	for i, rec := range recs {
		buf, h, err := record.EncodeWithHeader(rec, compress)
		if err != nil {
			return nil, err
		}
		results[i] = Appended{Offset: cursor, Header: h}
		cursor += int64(len(buf))
		batch = append(batch, buf...)
	}

	if err := w.writeAndFlush(batch); err != nil {
		return nil, err
	}
	w.offset = cursor

	if err := w.maybeSync(); err != nil {
		return nil, err
	}
	return results, nil
}

func (w *WAL) writeAndFlush(buf []byte) error {
	if _, err := w.writer.Write(buf); err != nil {
		return fmt.Errorf("write wal record: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal buffer: %w", err)
	}
	return nil
}

// maybeSync applies the configured fsync cadence. A zero syncInterval
// fsyncs unconditionally (the default, durable-per-write policy).
func (w *WAL) maybeSync() error {
	if w.syncInterval > 0 && time.Since(w.lastSync) < w.syncInterval {
		return nil
	}
	return w.sync()
}

// Sync forces an fsync regardless of cadence; used by Flush() and Close().
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync()
}

func (w *WAL) sync() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync wal: %w", err)
	}
	w.lastSync = time.Now()
	w.fsyncCount.Add(1)
	return nil
}

// ReadAt decodes one record starting at offset. It reads through an
// independent file handle so it never disturbs the append cursor, and sees
// every byte a prior Append returned success for, fsynced or not.
func (w *WAL) ReadAt(offset int64) (record.Record, error) {
	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return record.Record{}, fmt.Errorf("open wal for read: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return record.Record{}, fmt.Errorf("seek wal: %w", err)
	}

	rec, _, err := record.DecodeFrom(bufio.NewReader(f))
	if err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// Scan returns a restartable, single-pass iterator over every record from
// offset 0 to EOF, in write order.
func (w *WAL) Scan() (*Scanner, error) {
	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal for scan: %w", err)
	}
	return &Scanner{file: f, reader: bufio.NewReader(f)}, nil
}

// Scanner decodes records from offset 0 forward. Call Next until it
// returns false, then check Err for anything other than a clean EOF.
type Scanner struct {
	file   *os.File
	reader *bufio.Reader

	nextOffset int64 // where the next record will start
	curOffset  int64 // start offset of the most recently decoded record
	rec        record.Record
	header     record.Header
	err        error
}

// Next advances to the next record. It returns false at EOF or on a decode
// error; callers distinguish the two via Err.
func (s *Scanner) Next() bool {
	start := s.nextOffset
	rec, h, err := record.DecodeFrom(s.reader)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.err = err
			return false
		}
		// Running out of bytes is a clean end of file only when nothing
		// follows the last whole record; otherwise the tail is torn.
		if info, statErr := s.file.Stat(); statErr == nil && info.Size() > start {
			s.err = fmt.Errorf("torn record at offset %d: %w", start, err)
		}
		return false
	}
	s.rec = rec
	s.header = h
	s.curOffset = start
	s.nextOffset = start + h.Size()
	return true
}

// Record returns the record most recently yielded by Next.
func (s *Scanner) Record() record.Record { return s.rec }

// Header returns the header of the record most recently yielded by Next.
func (s *Scanner) Header() record.Header { return s.header }

// Offset returns the starting offset of the record most recently yielded
// by Next.
func (s *Scanner) Offset() int64 { return s.curOffset }

// LastGoodOffset returns the offset immediately after the last record Next
// successfully decoded — the truncation boundary recovery should apply
// when Err is non-nil.
func (s *Scanner) LastGoodOffset() int64 { return s.nextOffset }

// Err reports a non-EOF decode failure encountered by Next; a nil Err after
// Next returns false means a clean end of file.
func (s *Scanner) Err() error { return s.err }

// Close releases the scanner's file handle.
func (s *Scanner) Close() error {
	return s.file.Close()
}

// ReplaceWith installs newPath as the active WAL using a rename sequence
// safe on Unix and Windows (spec section 4.3): close current, rename
// active -> active.old, rename newPath -> active, delete active.old.
func (w *WAL) ReplaceWith(newPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush before swap: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync before swap: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close active wal before swap: %w", err)
	}
	if err := w.reader.Close(); err != nil {
		return fmt.Errorf("close wal read handle before swap: %w", err)
	}

	oldPath := filepath.Join(w.dir, oldName)
	if err := os.Rename(w.path, oldPath); err != nil {
		return fmt.Errorf("rename active to old: %w", err)
	}
	if err := os.Rename(newPath, w.path); err != nil {
		return fmt.Errorf("rename compact to active: %w", err)
	}
	removeIfExists(oldPath)

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopen active wal after swap: %w", err)
	}
	reader, err := os.Open(w.path)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("reopen wal read handle after swap: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		_ = reader.Close()
		return fmt.Errorf("stat wal after swap: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.reader = reader
	w.offset = info.Size()
	w.lastSync = time.Now()

	return nil
}

// Truncate drops the tail of the WAL after offset, used by recovery when a
// decode failure is found mid-scan (spec section 7).
func (w *WAL) Truncate(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush before truncate: %w", err)
	}
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek after truncate: %w", err)
	}
	w.writer = bufio.NewWriter(w.file)
	w.offset = offset
	return nil
}

// Close flushes and fsyncs the WAL unconditionally, then closes both file
// handles. Matches the engine close contract in spec section 4.1.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush wal on close: %w", err)
		}
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("fsync wal on close: %w", err)
		}
		w.fsyncCount.Add(1)
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close wal file: %w", err)
		}
	}
	if w.reader != nil {
		if err := w.reader.Close(); err != nil {
			return fmt.Errorf("close wal read handle: %w", err)
		}
	}
	return nil
}
