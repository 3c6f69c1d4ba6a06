// Package file carries step frames through an append-only log on a shared
// filesystem. The writer appends one synced record per step; the reader
// polls the log and delivers each intact record once, so a reader may start
// before the writer has created the file.
package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/pkg/framelog"
	"github.com/rupertnash/adios2/transport"
)

// Protocol is the registry name for this transport.
const Protocol = "file"

const pollInterval = 50 * time.Millisecond

// KeyAppend resumes an existing log instead of truncating it.
const KeyAppend = "append"

// Register installs the file protocol into a transport registry.
func Register(r *transport.Registry) error {
	keys := []string{transport.KeyLocal, transport.KeyTimeout, KeyAppend}
	return r.Register(Protocol, keys, New, vet)
}

func vet(params map[string]string) error {
	if params[transport.KeyLocal] == "" {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "file", "vet", "a local path is required")
	}
	return nil
}

// File is one endpoint of a log-file step channel.
type File struct {
	index  int
	dir    string
	append bool
	logger *slog.Logger

	mu      sync.Mutex
	log     *framelog.Log
	deliver transport.DeliverFunc
	opened  bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds an unopened file endpoint. The local parameter names a
// directory; the log file inside it is derived from the stream name.
func New(index int, params map[string]string, logger *slog.Logger) (transport.Transport, error) {
	return &File{
		index:  index,
		dir:    params[transport.KeyLocal],
		append: transport.ParseBool(params[KeyAppend]),
		logger: logger,
	}, nil
}

// Protocol implements transport.Transport
func (t *File) Protocol() string { return Protocol }

// Index implements transport.Transport
func (t *File) Index() int { return t.index }

// SetDeliver implements transport.Transport
func (t *File) SetDeliver(fn transport.DeliverFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliver = fn
}

func (t *File) logPath(stream string) string {
	return filepath.Join(t.dir, stream+".steps")
}

// Open implements transport.Transport
func (t *File) Open(_ context.Context, role transport.Role, stream string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.WrapInvalid(errors.ErrTransportClosed, "File", "Open", "endpoint already closed")
	}
	if t.opened {
		return errors.WrapInvalid(errors.ErrInvalidState, "File", "Open", "endpoint already open")
	}

	path := t.logPath(stream)
	switch role {
	case transport.RoleWriter:
		lg, err := framelog.Create(path, t.append)
		if err != nil {
			return err
		}
		t.log = lg
	case transport.RoleReader:
		if t.deliver == nil {
			return errors.WrapInvalid(errors.ErrInvalidState, "File", "Open", "reader opened without a deliver sink")
		}
		t.done = make(chan struct{})
		t.wg.Add(1)
		go t.tail(path, t.deliver, t.done)
	}
	t.opened = true

	t.logger.Debug("file channel open", "role", role.String(), "path", path)
	return nil
}

// tail polls the log, delivering each record once. The file may not exist
// yet when the reader starts.
func (t *File) tail(path string, deliver transport.DeliverFunc, done chan struct{}) {
	defer t.wg.Done()

	var lg *framelog.Log
	defer func() {
		if lg != nil {
			lg.Close()
		}
	}()

	var offset int64
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if lg == nil {
			opened, err := framelog.Open(path)
			if err != nil {
				if errors.Is(err, errors.ErrFileNotFound) {
					continue
				}
				t.logger.Error("file tail failed", "path", path, "error", err)
				return
			}
			lg = opened
		}

		for {
			frame, next, err := lg.ReadAt(offset)
			if err == io.EOF {
				break
			}
			if err != nil {
				t.logger.Error("file tail failed", "path", path, "error", err)
				return
			}
			deliver(frame)
			offset = next
		}
	}
}

// WriteStep implements transport.Transport
func (t *File) WriteStep(_ context.Context, frame []byte) error {
	t.mu.Lock()
	lg := t.log
	ok := t.opened && !t.closed
	t.mu.Unlock()

	if !ok || lg == nil {
		return errors.WrapInvalid(errors.ErrTransportClosed, "File", "WriteStep", "write on unopened or closed endpoint")
	}
	return lg.Append(frame)
}

// Drain implements transport.Transport. Append syncs every record, so the
// log is already stable.
func (t *File) Drain(_ context.Context) error { return nil }

// Close implements transport.Transport
func (t *File) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	lg := t.log
	done := t.done
	t.mu.Unlock()

	if done != nil {
		close(done)
		t.wg.Wait()
	}
	if lg != nil {
		return lg.Close()
	}
	return nil
}

// Remove deletes a stream's log file, for callers that own the directory.
func Remove(dir, stream string) error {
	err := os.Remove(filepath.Join(dir, stream+".steps"))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "file", "Remove", "removing log")
	}
	return nil
}
