// Package wal is an append-only journal of sys-catalog writes.
//
// Record layout, little endian:
//
//	crc32 (4) | seq (8) | len (4) | data (len)
//
// The checksum covers seq, len and data. A torn record at the tail of the
// file is dropped on replay and truncated before the next append.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"metacat/pkg/dberrors"
	"metacat/pkg/types"
)

const (
	headerSize   = 4 + 8 + 4
	maxEntrySize = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupted is returned by Replay for a damaged record that is not the last one.
var ErrCorrupted = errors.New("wal: corrupted record")

// Entry is one journaled write. Data is opaque to the journal.
type Entry struct {
	SeqNum types.SeqN
	Data   []byte
}

// WAL is safe for concurrent use. Append returns once the record is on disk.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	// end of the last intact record, set by Replay
	validSize int64
	replayed  bool
}

// Open opens or creates the journal in dir.
func Open(dir string) (*WAL, error) {
	if dir == "" {
		return nil, errors.New("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "create WAL directory")
	}

	filePath := filepath.Join(dir, "wal.log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open WAL file")
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
	}, nil
}

// Append writes entry and syncs the file.
func (w *WAL) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errors.Mark(errors.New("WAL is closed"), dberrors.ErrClosed)
	}
	if w.replayed {
		if err := w.truncateTornTail(); err != nil {
			return err
		}
	}
	if err := w.writeEntry(entry); err != nil {
		return errors.Wrap(err, "write WAL entry")
	}
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush WAL")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "sync WAL")
	}
	return nil
}

func (w *WAL) truncateTornTail() error {
	w.replayed = false
	info, err := w.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat WAL")
	}
	if info.Size() == w.validSize {
		return nil
	}
	slog.Warn("truncating torn WAL tail", "path", w.filePath, "size", info.Size(), "valid_size", w.validSize)
	if err := w.file.Truncate(w.validSize); err != nil {
		return errors.Wrap(err, "truncate WAL")
	}
	return nil
}

// Replay calls callback for every entry with SeqNum >= start, in file order.
func (w *WAL) Replay(start types.SeqN, callback func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errors.Mark(errors.New("WAL is closed"), dberrors.ErrClosed)
	}
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush WAL before replay")
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return errors.Wrap(err, "open WAL for reading")
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()
	info, err := file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat WAL")
	}

	reader := bufio.NewReader(file)
	var offset int64
	for {
		entry, n, err := readEntry(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || (errors.Is(err, ErrCorrupted) && offset+int64(n) >= info.Size()) {
			slog.Warn("dropping torn WAL tail", "path", w.filePath, "offset", offset)
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read WAL entry at offset %d", offset)
		}
		offset += int64(n)

		if entry.SeqNum < start {
			continue
		}
		if err := callback(entry); err != nil {
			return errors.Wrap(err, "WAL replay callback failed")
		}
	}

	w.validSize = offset
	w.replayed = true
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return errors.Wrap(err, "flush WAL on close")
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return errors.Wrap(err, "close WAL file")
		}
		w.file = nil
	}
	return nil
}

func (w *WAL) writeEntry(entry Entry) error {
	if len(entry.Data) > maxEntrySize {
		return errors.Newf("entry too large: %d", len(entry.Data))
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[4:12], entry.SeqNum)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(entry.Data)))

	crc := crc32.Update(0, crcTable, header[4:])
	crc = crc32.Update(crc, crcTable, entry.Data)
	binary.LittleEndian.PutUint32(header[0:4], crc)

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	_, err := w.writer.Write(entry.Data)
	return err
}

// readEntry returns the entry and the number of bytes it spans on disk.
func readEntry(reader io.Reader) (Entry, int, error) {
	var header [headerSize]byte
	n, err := io.ReadFull(reader, header[:])
	if err != nil {
		// a clean EOF only happens on a record boundary
		return Entry{}, n, err
	}

	entry := Entry{SeqNum: binary.LittleEndian.Uint64(header[4:12])}
	size := binary.LittleEndian.Uint32(header[12:16])
	if size > maxEntrySize {
		return Entry{}, n, errors.Wrapf(ErrCorrupted, "seq %d: entry size %d", entry.SeqNum, size)
	}
	entry.Data = make([]byte, size)
	m, err := io.ReadFull(reader, entry.Data)
	n += m
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, n, err
	}

	crc := crc32.Update(0, crcTable, header[4:])
	crc = crc32.Update(crc, crcTable, entry.Data)
	if crc != binary.LittleEndian.Uint32(header[0:4]) {
		return Entry{}, n, errors.Wrapf(ErrCorrupted, "seq %d", entry.SeqNum)
	}
	return entry, n, nil
}
