// Package sync drives the remote mailbox loop: connect, fetch whatever
// arrived, then watch the inbox until something happens or somebody wants
// our attention.
package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/omarchy/mailchat/internal/remote"
	"github.com/omarchy/mailchat/internal/status"
)

const defaultReconnectDelay = 10 * time.Second

// Engine owns the watch loop. Incoming messages reach storage through the
// remote client's receiver callback; the engine itself only sequences
// connect, fetch and watch, and reports progress on the state machine.
type Engine struct {
	remote         remote.Client
	machine        *status.Machine
	logger         *zap.Logger
	reconnectDelay time.Duration
	cancel         context.CancelFunc
	done           chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(rc remote.Client, machine *status.Machine, logger *zap.Logger) *Engine {
	return &Engine{
		remote:         rc,
		machine:        machine,
		logger:         logger.Named("sync"),
		reconnectDelay: defaultReconnectDelay,
	}
}

// Start begins the watch loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.loop(ctx)
}

// Stop terminates the loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.remote.InterruptWatch()
		<-e.done
	}
}

// Interrupt wakes the loop out of its watch so it fetches immediately.
func (e *Engine) Interrupt() {
	e.remote.InterruptWatch()
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	_ = e.machine.Transition(status.Connecting)
	for ctx.Err() == nil {
		if !e.remote.IsConnected() {
			if err := e.remote.Connect(ctx); err != nil {
				e.logger.Warn("connect failed", zap.Error(err))
				_ = e.machine.Transition(status.Reconnecting)
				select {
				case <-time.After(e.reconnectDelay):
				case <-ctx.Done():
					return
				}
				_ = e.machine.Transition(status.Connecting)
				continue
			}
		}

		_ = e.machine.Transition(status.Fetching)
		if err := e.remote.Fetch(); err != nil {
			e.logger.Warn("fetch failed", zap.Error(err))
			e.remote.Disconnect()
			_ = e.machine.Transition(status.Reconnecting)
			_ = e.machine.Transition(status.Connecting)
			continue
		}

		_ = e.machine.Transition(status.Watching)
		e.remote.WatchAndWait(ctx)
	}
}
