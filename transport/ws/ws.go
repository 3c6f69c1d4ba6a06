// Package ws carries step frames over WebSocket. The writer runs an HTTP
// server on its local address and broadcasts each step as one binary message
// to every upgraded connection; the reader dials the remote address with
// retries and feeds received messages to its deliver sink.
package ws

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rupertnash/adios2/errors"
	"github.com/rupertnash/adios2/pkg/retry"
	"github.com/rupertnash/adios2/transport"
)

// Protocol is the registry name for this transport.
const Protocol = "ws"

const writeWait = 10 * time.Second

// Register installs the ws protocol into a transport registry.
func Register(r *transport.Registry) error {
	keys := []string{transport.KeyLocal, transport.KeyRemote, transport.KeyTimeout}
	return r.Register(Protocol, keys, New, vet)
}

func vet(params map[string]string) error {
	if params[transport.KeyLocal] == "" && params[transport.KeyRemote] == "" {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "ws", "vet",
			"an address is required (local to serve, remote to dial)")
	}
	if _, err := transport.ParseTimeout(params, 0); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "ws", "vet", "bad timeout: "+params[transport.KeyTimeout])
	}
	return nil
}

// WS is one endpoint of a WebSocket step channel.
type WS struct {
	index   int
	local   string
	remote  string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	deliver transport.DeliverFunc
	opened  bool
	closed  bool

	// writer side
	server   *http.Server
	listener net.Listener
	conns    map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader

	// reader side
	conn     *websocket.Conn
	readDone chan struct{}
}

// New builds an unopened WebSocket endpoint.
func New(index int, params map[string]string, logger *slog.Logger) (transport.Transport, error) {
	timeout, err := transport.ParseTimeout(params, 10*time.Second)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "ws", "New", "bad timeout parameter")
	}
	return &WS{
		index:   index,
		local:   params[transport.KeyLocal],
		remote:  params[transport.KeyRemote],
		timeout: timeout,
		logger:  logger,
		conns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}, nil
}

// Protocol implements transport.Transport
func (t *WS) Protocol() string { return Protocol }

// Index implements transport.Transport
func (t *WS) Index() int { return t.index }

// SetDeliver implements transport.Transport
func (t *WS) SetDeliver(fn transport.DeliverFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliver = fn
}

// streamPath maps the stream name onto the HTTP path both ends agree on.
func streamPath(stream string) string {
	return "/streams/" + url.PathEscape(stream)
}

// Open implements transport.Transport
func (t *WS) Open(ctx context.Context, role transport.Role, stream string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrTransportClosed, "WS", "Open", "endpoint already closed")
	}
	if t.opened {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidState, "WS", "Open", "endpoint already open")
	}
	if role == transport.RoleReader && t.deliver == nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidState, "WS", "Open", "reader opened without a deliver sink")
	}
	t.mu.Unlock()

	var err error
	if role == transport.RoleWriter {
		err = t.openWriter(stream)
	} else {
		err = t.openReader(ctx, stream)
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.opened = true
	t.mu.Unlock()

	t.logger.Debug("ws channel open", "role", role.String(), "stream", stream)
	return nil
}

func (t *WS) openWriter(stream string) error {
	if t.local == "" {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "WS", "Open", "writer needs a local address to serve on")
	}

	ln, err := net.Listen("tcp", t.local)
	if err != nil {
		return errors.WrapTransient(
			wrapRefused(err), "WS", "Open", "listening on "+t.local+" failed")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(streamPath(stream), t.handleUpgrade)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.mu.Lock()
	t.server = srv
	t.listener = ln
	t.mu.Unlock()

	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			t.logger.Error("ws server stopped", "error", serveErr)
		}
	}()
	return nil
}

func (t *WS) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conns[conn] = struct{}{}
	t.mu.Unlock()

	t.logger.Debug("ws reader attached", "remote", r.RemoteAddr)

	// drain control frames; a read error means the reader left
	go func() {
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				break
			}
		}
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
	}()
}

func (t *WS) openReader(ctx context.Context, stream string) error {
	if t.remote == "" {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "WS", "Open", "reader needs a remote address to dial")
	}

	target := t.remote
	if !strings.Contains(target, "://") {
		target = "ws://" + target
	}
	target = strings.TrimSuffix(target, "/") + streamPath(stream)

	dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	openCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, err := retry.DoWithResult(openCtx, retry.Connect(), func() (*websocket.Conn, error) {
		c, _, dialErr := dialer.DialContext(openCtx, target, nil)
		if dialErr != nil {
			return nil, wrapRefused(dialErr)
		}
		return c, nil
	})
	if err != nil {
		return errors.WrapTransient(err, "WS", "Open", "dialing "+target+" failed")
	}

	t.mu.Lock()
	t.conn = conn
	t.readDone = make(chan struct{})
	deliver := t.deliver
	done := t.readDone
	t.mu.Unlock()

	go func() {
		defer close(done)
		for {
			kind, data, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			deliver(data)
		}
	}()
	return nil
}

// Addr returns the writer's bound listen address once open, resolving a
// ":0" local parameter to the real port.
func (t *WS) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// WriteStep implements transport.Transport. Each step is one binary message;
// a connection that cannot keep up is dropped rather than stalling the rest.
func (t *WS) WriteStep(_ context.Context, frame []byte) error {
	t.mu.Lock()
	if t.closed || !t.opened {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrTransportClosed, "WS", "WriteStep", "write on unopened or closed endpoint")
	}
	targets := make([]*websocket.Conn, 0, len(t.conns))
	for c := range t.conns {
		targets = append(targets, c)
	}
	t.mu.Unlock()

	for _, c := range targets {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.logger.Warn("ws reader dropped", "error", err)
			t.mu.Lock()
			delete(t.conns, c)
			t.mu.Unlock()
			c.Close()
		}
	}
	return nil
}

// Drain implements transport.Transport. Writes are synchronous per
// connection so nothing is buffered locally.
func (t *WS) Drain(_ context.Context) error { return nil }

// Close implements transport.Transport
func (t *WS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	srv := t.server
	conn := t.conn
	done := t.readDone
	conns := t.conns
	t.conns = make(map[*websocket.Conn]struct{})
	t.mu.Unlock()

	for c := range conns {
		deadline := time.Now().Add(writeWait)
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	if conn != nil {
		conn.Close()
		if done != nil {
			select {
			case <-done:
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

func wrapRefused(err error) error {
	return errors.WrapTransient(errors.ErrConnectionRefused, "ws", "dial", err.Error())
}
