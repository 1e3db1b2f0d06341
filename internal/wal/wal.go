// Package wal implements the write-ahead log shared by every space. Each
// entry records an upsert or delete before the store applies it, so a crash
// between the two leaves a replayable record instead of a torn state.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// Entry operation bytes.
const (
	OpUpsert byte = 'U'
	OpDelete byte = 'D'
)

// Entry state bytes. Pending entries are replayed on open; committed ones
// are skipped.
const (
	statePending   byte = 'P'
	stateCommitted byte = 'C'
)

const headerSize = 10 // keySize(4) + valSize(4) + op(1) + state(1)

// Entry is one replayed WAL record.
type Entry struct {
	Op    byte
	Key   string
	Value []byte
}

type WAL struct {
	file *os.File
	lock sync.Mutex
}

func Open(filename string) (*WAL, error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	return &WAL{file: file}, nil
}

// WriteUpsert appends a pending upsert entry and returns the offset of its
// state byte for MarkCommitted.
func (w *WAL) WriteUpsert(key string, value []byte) (int64, error) {
	return w.writeEntry(OpUpsert, key, value)
}

// WriteDelete appends a pending delete entry and returns the offset of its
// state byte for MarkCommitted.
func (w *WAL) WriteDelete(key string) (int64, error) {
	return w.writeEntry(OpDelete, key, nil)
}

func (w *WAL) writeEntry(op byte, key string, value []byte) (int64, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	keyBytes := []byte(key)
	buf := make([]byte, headerSize+len(keyBytes)+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(keyBytes)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(value)))
	buf[8] = op
	buf[9] = statePending
	copy(buf[headerSize:], keyBytes)
	copy(buf[headerSize+len(keyBytes):], value)

	pos, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := w.file.Write(buf); err != nil {
		return 0, err
	}
	// Sync before the caller touches the data file.
	if err := w.file.Sync(); err != nil {
		return 0, err
	}
	return pos + 9, nil
}

// MarkCommitted flips the state byte at stateOffset so the entry is skipped
// on replay.
func (w *WAL) MarkCommitted(stateOffset int64) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if _, err := w.file.WriteAt([]byte{stateCommitted}, stateOffset); err != nil {
		return err
	}
	return w.file.Sync()
}

// Replay returns all pending entries in write order. Truncated tails from an
// interrupted write are ignored.
func (w *WAL) Replay() ([]Entry, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return nil, err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var entries []Entry
	var pos int64
	for {
		header := make([]byte, headerSize)
		if _, err := io.ReadFull(w.file, header); err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return nil, err
		}
		pos += headerSize

		keySize := binary.LittleEndian.Uint32(header[0:4])
		valSize := binary.LittleEndian.Uint32(header[4:8])
		op := header[8]
		state := header[9]

		if op != OpUpsert && op != OpDelete {
			return nil, fmt.Errorf("corrupt WAL entry: unknown op 0x%02x", op)
		}
		payloadSize := int64(keySize) + int64(valSize)
		if payloadSize > info.Size()-pos {
			// Lengths pointing past the end of the file mean a torn or
			// corrupt entry; don't let them drive the allocation below.
			break
		}

		payload := make([]byte, payloadSize)
		if _, err := io.ReadFull(w.file, payload); err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return nil, err
		}
		pos += payloadSize

		if state == stateCommitted {
			continue
		}
		entries = append(entries, Entry{
			Op:    op,
			Key:   string(payload[:keySize]),
			Value: payload[keySize:],
		})
	}
	return entries, nil
}

func (w *WAL) Clear() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, io.SeekStart)
	return err
}

// ShouldCheckpoint reports whether the log has grown enough to be worth
// compacting into the data file.
func (w *WAL) ShouldCheckpoint() bool {
	info, err := w.file.Stat()
	if err != nil {
		return false
	}
	return info.Size() > 1024*1024
}

func (w *WAL) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.file.Close()
}
