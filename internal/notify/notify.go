// Package notify pushes run events to operator consoles over Socket.IO.
// Delivery is best-effort: a console that is down never blocks or fails a
// run, the events are all mirrored into the state's notification list anyway.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/inspectgridgo/internal/ctxlog"
)

// Event names emitted to the console.
const (
	EventSuspended = "run_suspended"
	EventNotice    = "run_notice"
	EventCompleted = "run_completed"
)

// Notifier publishes run events.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// Nop discards events; used when no console URL is configured.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, string, map[string]any) {}

// SocketIO is a Notifier over a Socket.IO connection.
type SocketIO struct {
	io *socket.Socket
}

// connectTimeout bounds the initial handshake; runs must not hang on a dead
// console.
const connectTimeout = 15 * time.Second

// Dial connects to the console endpoint, e.g. "http://ops-console:3000/engine".
func Dial(ctx context.Context, rawURL, namespace string) (*SocketIO, error) {
	logger := ctxlog.FromContext(ctx).With("console", rawURL)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse console url: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsed.Path)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)
	manager := socket.NewManager(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), opts)
	io := manager.Socket(namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to operator console.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		connectChan <- err
	})

	io.Connect()
	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("notify: console connection failed: %w", err)
		}
		return &SocketIO{io: io}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("notify: cancelled while connecting to console")
	case <-time.After(connectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("notify: timed out connecting to console")
	}
}

// Notify implements Notifier.
func (n *SocketIO) Notify(ctx context.Context, event string, payload map[string]any) {
	ctxlog.FromContext(ctx).Debug("Emitting console event.", "event", event)
	n.io.Emit(event, payload)
}

// Close disconnects from the console.
func (n *SocketIO) Close() {
	n.io.Disconnect()
}
