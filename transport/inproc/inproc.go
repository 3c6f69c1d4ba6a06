// Package inproc provides an in-process step channel for same-binary
// writer/reader pairs. Endpoints rendezvous on a shared address inside a
// process-global exchange; frames are handed to subscribers as copies, so
// neither side can mutate the other's buffers.
package inproc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/transport"
)

// Protocol is the registry name for this transport.
const Protocol = "inproc"

// Register installs the inproc protocol into a transport registry.
func Register(r *transport.Registry) error {
	keys := []string{transport.KeyLocal, transport.KeyRemote, transport.KeyTimeout, transport.KeyPeerToPeer}
	return r.Register(Protocol, keys, New, vet)
}

func vet(params map[string]string) error {
	if _, err := transport.ParseTimeout(params, 0); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "inproc", "vet", "bad timeout: "+params[transport.KeyTimeout])
	}
	return nil
}

// topic is one shared address inside the exchange.
type topic struct {
	mu        sync.Mutex
	cond      *sync.Cond
	hasWriter bool
	subs      map[int64]transport.DeliverFunc
	nextSub   int64
}

func newTopic() *topic {
	t := &topic{subs: make(map[int64]transport.DeliverFunc)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// exchange is the process-global address table.
var exchange = struct {
	mu     sync.Mutex
	topics map[string]*topic
}{topics: make(map[string]*topic)}

func lookupTopic(address string) *topic {
	exchange.mu.Lock()
	defer exchange.mu.Unlock()

	t, ok := exchange.topics[address]
	if !ok {
		t = newTopic()
		exchange.topics[address] = t
	}
	return t
}

// Inproc is one endpoint of an in-process channel.
type Inproc struct {
	index   int
	params  map[string]string
	logger  *slog.Logger
	timeout time.Duration
	p2p     bool

	mu      sync.Mutex
	topic   *topic
	role    transport.Role
	subID   int64
	deliver transport.DeliverFunc
	opened  bool
	closed  bool
}

// New builds an unopened inproc endpoint.
func New(index int, params map[string]string, logger *slog.Logger) (transport.Transport, error) {
	timeout, err := transport.ParseTimeout(params, 5*time.Second)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "inproc", "New", "bad timeout parameter")
	}
	return &Inproc{
		index:   index,
		params:  params,
		logger:  logger,
		timeout: timeout,
		p2p:     transport.ParseBool(params[transport.KeyPeerToPeer]),
	}, nil
}

// Protocol implements transport.Transport
func (t *Inproc) Protocol() string { return Protocol }

// Index implements transport.Transport
func (t *Inproc) Index() int { return t.index }

// SetDeliver implements transport.Transport
func (t *Inproc) SetDeliver(fn transport.DeliverFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliver = fn
}

// address joins the stream name with the endpoint parameter so distinct
// streams on the same address do not cross.
func (t *Inproc) address(stream string) string {
	ep := t.params[transport.KeyLocal]
	if ep == "" {
		ep = t.params[transport.KeyRemote]
	}
	return ep + "/" + stream
}

// Open implements transport.Transport. With peer-to-peer enabled the writer
// waits for at least one reader and the reader waits for the writer, bounded
// by the timeout parameter.
func (t *Inproc) Open(ctx context.Context, role transport.Role, stream string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrTransportClosed, "Inproc", "Open", "endpoint already closed")
	}
	if t.opened {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidState, "Inproc", "Open", "endpoint already open")
	}
	if role == transport.RoleReader && t.deliver == nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidState, "Inproc", "Open", "reader opened without a deliver sink")
	}
	top := lookupTopic(t.address(stream))
	t.topic = top
	t.role = role
	t.opened = true
	deliver := t.deliver
	t.mu.Unlock()

	top.mu.Lock()
	switch role {
	case transport.RoleWriter:
		top.hasWriter = true
	case transport.RoleReader:
		t.subID = top.nextSub
		top.nextSub++
		top.subs[t.subID] = deliver
	}
	top.cond.Broadcast()
	top.mu.Unlock()

	if t.p2p {
		if err := t.awaitPeer(ctx, top, role); err != nil {
			t.Close()
			return err
		}
	}

	t.logger.Debug("inproc channel open", "role", role.String(), "stream", stream)
	return nil
}

// awaitPeer blocks until the counterpart endpoint has joined the topic.
func (t *Inproc) awaitPeer(ctx context.Context, top *topic, role transport.Role) error {
	deadline := time.Now().Add(t.timeout)
	done := make(chan struct{})
	defer close(done)

	// wake the Cond waiter on timeout or cancellation
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(time.Until(deadline)):
		case <-done:
		}
		top.mu.Lock()
		top.cond.Broadcast()
		top.mu.Unlock()
	}()

	top.mu.Lock()
	defer top.mu.Unlock()
	for {
		ready := false
		if role == transport.RoleWriter {
			ready = len(top.subs) > 0
		} else {
			ready = top.hasWriter
		}
		if ready {
			return nil
		}
		if ctx.Err() != nil {
			return errors.WrapTransient(errors.ErrConnectionRefused, "Inproc", "Open", "cancelled waiting for peer")
		}
		if time.Now().After(deadline) {
			return errors.WrapTransient(errors.ErrConnectionRefused, "Inproc", "Open", "no peer on address within timeout")
		}
		top.cond.Wait()
	}
}

// WriteStep implements transport.Transport. Subscribers absent at publish
// time do not receive the frame.
func (t *Inproc) WriteStep(_ context.Context, frame []byte) error {
	t.mu.Lock()
	if t.closed || !t.opened {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrTransportClosed, "Inproc", "WriteStep", "write on unopened or closed endpoint")
	}
	top := t.topic
	t.mu.Unlock()

	top.mu.Lock()
	sinks := make([]transport.DeliverFunc, 0, len(top.subs))
	for _, fn := range top.subs {
		sinks = append(sinks, fn)
	}
	top.mu.Unlock()

	for _, fn := range sinks {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		fn(cp)
	}
	return nil
}

// Drain implements transport.Transport. Delivery is synchronous so there is
// nothing in flight.
func (t *Inproc) Drain(_ context.Context) error { return nil }

// Close implements transport.Transport
func (t *Inproc) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.topic != nil && t.opened {
		t.topic.mu.Lock()
		if t.role == transport.RoleWriter {
			t.topic.hasWriter = false
		} else {
			delete(t.topic.subs, t.subID)
		}
		t.topic.cond.Broadcast()
		t.topic.mu.Unlock()
	}
	return nil
}
