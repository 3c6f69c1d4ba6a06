// Package framelog stores serialized step frames in an append-only file.
// Each record is a fixed header (magic, length, payload checksum) followed by
// the frame bytes; the header checksum lets a scan stop cleanly at a torn
// tail write instead of reading garbage. The log is the persistence layer
// for file-backed step streams: writers append one record per step, readers
// scan from the start and may tail for records appended after they caught
// up.
package framelog

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/rupertnash/adios2/errors"
)

const (
	recordMagic  = 0x41445246 // "ADRF"
	headerSize   = 4 + 4 + 8  // magic, length, payload hash
	maxFrameSize = 1 << 31
)

// Log is an append-only frame file opened for either writing or scanning.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	write  bool
	closed bool
}

// Create opens a log for writing. With resume true an existing file is
// appended to; otherwise it is truncated.
func Create(path string, resume bool) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "framelog", "Create", "creating directory "+dir)
		}
	}
	// read access stays available so append-mode callers can scan what an
	// earlier run already wrote
	flags := os.O_CREATE | os.O_RDWR
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "framelog", "Create", "opening "+path)
	}
	return &Log{path: path, file: f, write: true}, nil
}

// Open opens an existing log for scanning. A missing file reports
// ErrFileNotFound.
func Open(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(errors.ErrFileNotFound, "framelog", "Open", "no log at "+path)
		}
		return nil, errors.Wrap(err, "framelog", "Open", "opening "+path)
	}
	return &Log{path: path, file: f}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes one frame record and syncs it to stable storage, so a step
// is either fully on disk or detectably absent.
func (l *Log) Append(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.WrapInvalid(errors.ErrInvalidState, "framelog", "Append", "log is closed")
	}
	if !l.write {
		return errors.WrapInvalid(errors.ErrInvalidState, "framelog", "Append", "log opened read-only")
	}
	if len(frame) >= maxFrameSize {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "framelog", "Append", "frame too large")
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], recordMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(frame)))
	binary.LittleEndian.PutUint64(header[8:16], xxhash.Sum64(frame))

	if _, err := l.file.Write(header[:]); err != nil {
		return errors.Wrap(err, "framelog", "Append", "writing record header")
	}
	if _, err := l.file.Write(frame); err != nil {
		return errors.Wrap(err, "framelog", "Append", "writing frame body")
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, "framelog", "Append", "syncing "+l.path)
	}
	return nil
}

// ReadAt reads the record starting at offset. It returns the frame, the
// offset of the next record, and an error. io.EOF (unwrapped) marks a clean
// end of log; a torn or corrupt record reports ErrDataCorrupted.
func (l *Log) ReadAt(offset int64) (frame []byte, next int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, offset, errors.WrapInvalid(errors.ErrInvalidState, "framelog", "ReadAt", "log is closed")
	}

	var header [headerSize]byte
	n, err := l.file.ReadAt(header[:], offset)
	if err == io.EOF && n == 0 {
		return nil, offset, io.EOF
	}
	if err != nil {
		// partial header at the tail is a torn write
		if err == io.EOF {
			return nil, offset, io.EOF
		}
		return nil, offset, errors.Wrap(err, "framelog", "ReadAt", "reading record header")
	}

	if binary.LittleEndian.Uint32(header[0:4]) != recordMagic {
		return nil, offset, errors.WrapFatal(errors.ErrDataCorrupted, "framelog", "ReadAt", "bad record magic")
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	sum := binary.LittleEndian.Uint64(header[8:16])

	frame = make([]byte, length)
	if _, err := l.file.ReadAt(frame, offset+headerSize); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// header landed but the body did not
			return nil, offset, io.EOF
		}
		return nil, offset, errors.Wrap(err, "framelog", "ReadAt", "reading frame body")
	}
	if xxhash.Sum64(frame) != sum {
		return nil, offset, errors.WrapFatal(errors.ErrChecksumFailed, "framelog", "ReadAt", "frame checksum mismatch")
	}
	return frame, offset + headerSize + int64(length), nil
}

// Scan walks every intact record from the start, invoking fn for each.
// Scanning stops at the first error from fn.
func (l *Log) Scan(fn func(frame []byte) error) error {
	var offset int64
	for {
		frame, next, err := l.ReadAt(offset)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
		offset = next
	}
}

// Count returns the number of intact records in the log.
func (l *Log) Count() (int, error) {
	n := 0
	err := l.Scan(func([]byte) error {
		n++
		return nil
	})
	return n, err
}

// Close releases the file. Close is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Close(); err != nil {
		return errors.Wrap(err, "framelog", "Close", "closing "+l.path)
	}
	return nil
}
