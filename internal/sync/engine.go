package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/store"
	"go.uber.org/zap"
)

const feedBuffer = 256

// Engine is the live transport. Every message written through it is
// published as a scoped "message.inserted" event, and messages produced by
// other writers ("remote.*" events) are ingested idempotently and re-published.
// Delivery is at-least-once: subscribers must dedupe by message id. Live
// feeds are served straight from the engine and never drop a message; the bus
// copy is for observers.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	feedsMu gosync.Mutex
	feeds   map[string]map[*feed]struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
		feeds:  make(map[string]map[*feed]struct{}),
	}
}

// Start subscribes to remote message events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("remote.", feedBuffer)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindRemoteMessage:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if _, err := e.ImportMessage(ctx, msg); err != nil {
			e.logger.Error("failed to import message", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	case bus.KindRemoteBatch:
		msgs, ok := evt.Payload.([]*store.Message)
		if !ok {
			return
		}
		n, err := e.ImportBatch(ctx, msgs)
		if err != nil {
			e.logger.Error("failed to import batch", zap.Error(err), zap.Int("count", len(msgs)))
			return
		}
		e.logger.Info("remote batch imported", zap.Int("messages", len(msgs)), zap.Int("new", n))
	}
}

// InsertMessage writes a new message through the store and publishes it.
func (e *Engine) InsertMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	out, err := e.db.InsertMessage(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	e.publishInserted(*out)
	return out, nil
}

// ImportMessage ingests a message that already has a durable id. The stored
// version is published even when it was already known.
func (e *Engine) ImportMessage(ctx context.Context, m *store.Message) (bool, error) {
	inserted, err := e.db.ImportMessage(ctx, m)
	if err != nil {
		return false, fmt.Errorf("import message: %w", err)
	}
	stored, err := e.db.GetMessage(ctx, m.ID)
	if err != nil {
		return inserted, fmt.Errorf("reload message: %w", err)
	}
	e.publishInserted(*stored)
	return inserted, nil
}

// ImportBatch ingests messages in order and returns how many were new.
func (e *Engine) ImportBatch(ctx context.Context, msgs []*store.Message) (int, error) {
	n := 0
	for _, m := range msgs {
		inserted, err := e.ImportMessage(ctx, m)
		if err != nil {
			return n, err
		}
		if inserted {
			n++
		}
	}
	return n, nil
}

func (e *Engine) publishInserted(m store.Message) {
	e.fanOut(m)
	e.bus.Publish(bus.Event{
		Kind:      bus.Scoped(bus.KindMessageInserted, m.ConversationID),
		Timestamp: time.Now(),
		Payload:   m,
	})
}

// SubscribeInserts opens a live feed of messages inserted into one
// conversation. A slow reader delays delivery but loses nothing. The returned
// cancel function releases the feed, waits for the forwarding goroutine to
// exit and is safe to call more than once.
func (e *Engine) SubscribeInserts(conversationID string) (<-chan store.Message, func()) {
	f := newFeed()
	e.addFeed(conversationID, f)
	out := make(chan store.Message, feedBuffer)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		f.forward(out, stop)
	}()

	var once gosync.Once
	return out, func() {
		once.Do(func() {
			e.removeFeed(conversationID, f)
			close(stop)
			<-done
		})
	}
}
