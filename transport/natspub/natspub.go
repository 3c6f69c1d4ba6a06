// Package natspub carries step frames over NATS core subjects. The writer
// publishes each step frame on a subject derived from the stream name; every
// subscribed reader receives it. Channel establishment retries against the
// server so a reader started before the writer's broker is reachable does
// not fail outright.
package natspub

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/natsclient"
	"github.com/rupertnash/adios2/pkg/retry"
	"github.com/rupertnash/adios2/transport"
)

// Protocol is the registry name for this transport.
const Protocol = "nats"

const subjectPrefix = "adios.step."

// Register installs the nats protocol into a transport registry.
func Register(r *transport.Registry) error {
	keys := []string{transport.KeyLocal, transport.KeyRemote, transport.KeyTimeout}
	return r.Register(Protocol, keys, New, vet)
}

func vet(params map[string]string) error {
	if params[transport.KeyLocal] == "" && params[transport.KeyRemote] == "" {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "natspub", "vet",
			"a server URL is required (local or remote)")
	}
	if _, err := transport.ParseTimeout(params, 0); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "natspub", "vet", "bad timeout: "+params[transport.KeyTimeout])
	}
	return nil
}

// NATS is one endpoint of a NATS-backed step channel.
type NATS struct {
	index   int
	url     string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	client  *natsclient.Client
	deliver transport.DeliverFunc
	subject string
	opened  bool
	closed  bool
}

// New builds an unopened NATS endpoint.
func New(index int, params map[string]string, logger *slog.Logger) (transport.Transport, error) {
	url := params[transport.KeyRemote]
	if url == "" {
		url = params[transport.KeyLocal]
	}
	timeout, err := transport.ParseTimeout(params, 10*time.Second)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "natspub", "New", "bad timeout parameter")
	}
	return &NATS{index: index, url: url, timeout: timeout, logger: logger}, nil
}

// Protocol implements transport.Transport
func (t *NATS) Protocol() string { return Protocol }

// Index implements transport.Transport
func (t *NATS) Index() int { return t.index }

// SetDeliver implements transport.Transport
func (t *NATS) SetDeliver(fn transport.DeliverFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliver = fn
}

// subjectFor maps a stream name onto a NATS subject, replacing characters
// that carry subject semantics.
func subjectFor(stream string) string {
	repl := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return subjectPrefix + repl.Replace(stream)
}

// Open implements transport.Transport. The connection attempt is retried
// with backoff within the timeout parameter.
func (t *NATS) Open(ctx context.Context, role transport.Role, stream string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrTransportClosed, "NATS", "Open", "endpoint already closed")
	}
	if t.opened {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidState, "NATS", "Open", "endpoint already open")
	}
	if role == transport.RoleReader && t.deliver == nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidState, "NATS", "Open", "reader opened without a deliver sink")
	}
	deliver := t.deliver
	t.mu.Unlock()

	client, err := natsclient.NewClient(t.url,
		natsclient.WithTimeout(t.timeout),
		natsclient.WithName("adios-"+role.String()),
	)
	if err != nil {
		return errors.Wrap(err, "NATS", "Open", "building client failed")
	}

	openCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err = retry.Do(openCtx, retry.Connect(), func() error {
		return client.Connect(openCtx)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATS", "Open", "connecting to "+t.url+" failed")
	}

	subject := subjectFor(stream)
	if role == transport.RoleReader {
		if err := client.Subscribe(subject, deliver); err != nil {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
			defer closeCancel()
			_ = client.Close(closeCtx)
			return errors.Wrap(err, "NATS", "Open", "subscribing to stream failed")
		}
	}

	t.mu.Lock()
	t.client = client
	t.subject = subject
	t.opened = true
	t.mu.Unlock()

	t.logger.Debug("nats channel open", "role", role.String(), "subject", subject, "server", t.url)
	return nil
}

// WriteStep implements transport.Transport
func (t *NATS) WriteStep(_ context.Context, frame []byte) error {
	t.mu.Lock()
	client := t.client
	subject := t.subject
	ok := t.opened && !t.closed
	t.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(errors.ErrTransportClosed, "NATS", "WriteStep", "write on unopened or closed endpoint")
	}
	return client.Publish(subject, frame)
}

// Drain implements transport.Transport
func (t *NATS) Drain(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Flush(ctx)
}

// Close implements transport.Transport
func (t *NATS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Close(ctx)
}
