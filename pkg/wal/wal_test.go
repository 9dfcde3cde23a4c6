package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crabkv/pkg/record"
)

func mustOpen(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w
}

func TestAppendReadAtRoundTrip(t *testing.T) {
	w := mustOpen(t, t.TempDir())
	defer w.Close()

	a, err := w.Append(record.Record{Kind: record.KindPut, Key: []byte("k1"), Value: []byte("v1")}, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if a.Offset != 0 {
		t.Fatalf("first record offset = %d, want 0", a.Offset)
	}
	if a.Header.KeyLen != 2 || a.Header.ValueLen != 2 {
		t.Fatalf("unexpected header: %+v", a.Header)
	}

	got, err := w.ReadAt(a.Offset)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got.Key) != "k1" || string(got.Value) != "v1" {
		t.Fatalf("ReadAt mismatch: %+v", got)
	}
}

func TestAppendFlushesWithoutSyncCadence(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir)
	defer w.Close()

	if _, err := w.Append(record.Record{Kind: record.KindPut, Key: []byte("k"), Value: []byte("v")}, false); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Independent open of the same path observes the flushed-but-possibly-
	// unsynced bytes, proving read-your-writes without relying on fsync.
	f, err := os.Open(filepath.Join(dir, activeName))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected flushed bytes visible to an independent reader")
	}
}

func TestAppendBatchOffsetsAreContiguous(t *testing.T) {
	w := mustOpen(t, t.TempDir())
	defer w.Close()

	recs := []record.Record{
		{Kind: record.KindPut, Key: []byte("a"), Value: []byte("1")},
		{Kind: record.KindPut, Key: []byte("b"), Value: []byte("22")},
		{Kind: record.KindDelete, Key: []byte("a")},
	}
	appended, err := w.AppendBatch(recs, false)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if len(appended) != 3 || appended[0].Offset != 0 {
		t.Fatalf("unexpected appended: %v", appended)
	}

	for i, a := range appended {
		got, err := w.ReadAt(a.Offset)
		if err != nil {
			t.Fatalf("ReadAt(%d): %v", a.Offset, err)
		}
		if string(got.Key) != string(recs[i].Key) {
			t.Fatalf("record %d key mismatch: got %q want %q", i, got.Key, recs[i].Key)
		}
	}
}

func TestScanYieldsRecordsInOrder(t *testing.T) {
	w := mustOpen(t, t.TempDir())
	defer w.Close()

	keys := []string{"a", "b", "c"}
	for _, k := range keys {
		if _, err := w.Append(record.Record{Kind: record.KindPut, Key: []byte(k), Value: []byte("v")}, false); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	s, err := w.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer s.Close()

	var got []string
	var lastOffset int64 = -1
	for s.Next() {
		if s.Offset() <= lastOffset {
			t.Fatalf("offsets not increasing: %d after %d", s.Offset(), lastOffset)
		}
		lastOffset = s.Offset()
		got = append(got, string(s.Record().Key))
	}
	if s.Err() != nil {
		t.Fatalf("Scan error: %v", s.Err())
	}
	if len(got) != len(keys) {
		t.Fatalf("got %v, want %v", got, keys)
	}
	for i := range keys {
		if got[i] != keys[i] {
			t.Fatalf("got %v, want %v", got, keys)
		}
	}
}

func TestScanStopsCleanlyAtEOF(t *testing.T) {
	w := mustOpen(t, t.TempDir())
	defer w.Close()

	s, err := w.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer s.Close()

	if s.Next() {
		t.Fatal("expected no records in an empty WAL")
	}
	if s.Err() != nil {
		t.Fatalf("expected clean EOF, got %v", s.Err())
	}
}

func TestTruncateDropsTail(t *testing.T) {
	w := mustOpen(t, t.TempDir())
	defer w.Close()

	first, err := w.Append(record.Record{Kind: record.KindPut, Key: []byte("keep"), Value: []byte("v")}, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	boundary := w.Size()
	if _, err := w.Append(record.Record{Kind: record.KindPut, Key: []byte("drop"), Value: []byte("v")}, false); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := w.Truncate(boundary); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if w.Size() != boundary {
		t.Fatalf("Size() = %d, want %d", w.Size(), boundary)
	}

	got, err := w.ReadAt(first.Offset)
	if err != nil {
		t.Fatalf("ReadAt after truncate: %v", err)
	}
	if string(got.Key) != "keep" {
		t.Fatalf("unexpected surviving record: %+v", got)
	}

	if _, err := w.ReadAt(boundary); err == nil {
		t.Fatal("expected error reading past the truncated tail")
	}
}

func TestReplaceWithSwapsActiveFile(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir)
	defer w.Close()

	if _, err := w.Append(record.Record{Kind: record.KindPut, Key: []byte("stale"), Value: []byte("v")}, false); err != nil {
		t.Fatalf("Append: %v", err)
	}

	compactPath := filepath.Join(dir, compactName)
	scratchDir := t.TempDir()
	cw, err := Open(scratchDir, 0)
	if err != nil {
		t.Fatalf("open scratch wal: %v", err)
	}
	if _, err := cw.Append(record.Record{Kind: record.KindPut, Key: []byte("fresh"), Value: []byte("v")}, false); err != nil {
		t.Fatalf("Append to scratch: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("close scratch wal: %v", err)
	}
	if err := os.Rename(filepath.Join(scratchDir, activeName), compactPath); err != nil {
		t.Fatalf("stage compact file: %v", err)
	}

	if err := w.ReplaceWith(compactPath); err != nil {
		t.Fatalf("ReplaceWith: %v", err)
	}

	s, err := w.Scan()
	if err != nil {
		t.Fatalf("Scan after swap: %v", err)
	}
	defer s.Close()

	var keys []string
	for s.Next() {
		keys = append(keys, string(s.Record().Key))
	}
	if s.Err() != nil {
		t.Fatalf("scan error: %v", s.Err())
	}
	if len(keys) != 1 || keys[0] != "fresh" {
		t.Fatalf("got %v, want [fresh]", keys)
	}
	if _, err := os.Stat(filepath.Join(dir, oldName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wal.log.old to be removed after swap, stat err = %v", err)
	}
}

func TestOpenRecoversFromStrayOldFile(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir)
	if _, err := w.Append(record.Record{Kind: record.KindPut, Key: []byte("k"), Value: []byte("v")}, false); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := os.Rename(filepath.Join(dir, activeName), filepath.Join(dir, oldName)); err != nil {
		t.Fatalf("simulate crash mid-swap: %v", err)
	}

	w2, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	defer w2.Close()

	if _, err := os.Stat(filepath.Join(dir, oldName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected wal.log.old to be recovered away")
	}

	s, err := w2.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer s.Close()
	if !s.Next() || string(s.Record().Key) != "k" {
		t.Fatal("expected recovered record to survive")
	}
}

func TestFsyncCadenceSkipsSyncWithinInterval(t *testing.T) {
	w := mustOpen(t, t.TempDir())
	defer w.Close()
	w.syncInterval = time.Hour

	if _, err := w.Append(record.Record{Kind: record.KindPut, Key: []byte("k"), Value: []byte("v")}, false); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := w.FsyncCount(); got != 0 {
		t.Fatalf("FsyncCount() = %d, want 0 within the sync interval", got)
	}

	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := w.FsyncCount(); got != 1 {
		t.Fatalf("FsyncCount() = %d, want 1 after explicit Sync", got)
	}
}

func TestReadAtPastEOFFails(t *testing.T) {
	w := mustOpen(t, t.TempDir())
	defer w.Close()

	if _, err := w.ReadAt(1024); err == nil {
		t.Fatal("expected a decode error reading past EOF")
	}
}
