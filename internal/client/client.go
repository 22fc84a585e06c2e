// Package client composes the sync components into one per-session client:
// it owns the open conversation, the directory poll and session teardown.
package client

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/directory"
	"github.com/matheus3301/dmsync/internal/identity"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/profile"
	"github.com/matheus3301/dmsync/internal/receipt"
	"github.com/matheus3301/dmsync/internal/status"
	"github.com/matheus3301/dmsync/internal/store"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"github.com/matheus3301/dmsync/internal/timeline"
	"github.com/matheus3301/dmsync/internal/typing"
	"go.uber.org/zap"
)

// Options tunes a client. Zero values select defaults.
type Options struct {
	RefreshInterval time.Duration
	TypingExpiry    time.Duration
	ReconcileWindow time.Duration
}

// DefaultRefreshInterval is the directory poll cadence.
const DefaultRefreshInterval = 60 * time.Second

// Client is the sync core of one session.
type Client struct {
	identity    identity.Provider
	bus         *bus.Bus
	status      *status.Machine
	checkpoints *intsync.Checkpoints
	logger      *zap.Logger
	interval    time.Duration

	profiles  *profile.Cache
	timelines *timeline.Service
	receipts  *receipt.Tracker
	directory *directory.Directory
	presence  *typing.Presence
	outbox    *outbox.Coordinator

	mu      sync.Mutex
	active  string
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New builds a client over a store and its live transport. A nil
// broadcaster keeps typing presence local.
func New(db *store.DB, engine *intsync.Engine, id identity.Provider, b *bus.Bus, bc typing.Broadcaster, machine *status.Machine, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if machine == nil {
		machine = status.NewMachine(b)
	}

	c := &Client{
		identity:    id,
		bus:         b,
		status:      machine,
		checkpoints: intsync.NewCheckpoints(db),
		logger:      logger,
		interval:    opts.RefreshInterval,
		runCtx:      context.Background(),
	}
	c.profiles = profile.NewCache(db, logger.Named("profiles"))
	c.timelines = timeline.NewService(db, engine, c.profiles, id, opts.ReconcileWindow, logger.Named("timeline"))
	c.receipts = receipt.NewTracker(db, c.timelines, id, logger.Named("receipts"))
	c.directory = directory.New(db, c.profiles, c.receipts, id, b, logger.Named("directory"))
	c.presence = typing.NewPresence(typing.NewRegistry(opts.TypingExpiry, c.typingChanged), bc, logger.Named("typing"))
	c.outbox = outbox.NewCoordinator(id, c.timelines, engine, db, db, b, logger.Named("outbox"))
	c.outbox.OnConfirmed(c.onSendConfirmed)
	return c
}

// Status returns the session state machine.
func (c *Client) Status() *status.Machine { return c.status }

// Start runs the directory poll, the typing listener and the session
// watcher, then performs the initial sync when a session exists. It returns
// the result of that first sync; a missing session is not an error.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.runCtx, c.cancel = runCtx, cancel
	c.stopped = false
	c.mu.Unlock()

	sessionEvents, unsub := c.bus.Subscribe("session.logged", 16)

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		defer unsub()
		c.watchSession(runCtx, sessionEvents)
	}()
	go func() {
		defer c.wg.Done()
		c.poll(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		if err := c.presence.Run(runCtx); err != nil {
			c.logger.Error("typing listener stopped", zap.Error(err))
		}
	}()

	if _, err := c.identity.CurrentUserID(); err != nil {
		c.transition(status.Unauthenticated)
		return nil
	}
	return c.sync(ctx)
}

// Stop cancels the background tasks, waits for in-flight sends and closes
// the open conversation.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.outbox.Wait()
	c.CloseConversation()
	c.transition(status.Closed)
}

func (c *Client) watchSession(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Kind {
			case bus.KindSessionLoggedIn:
				if err := c.sync(ctx); err != nil {
					c.logger.Warn("sync after login failed", zap.Error(err))
				}
			case bus.KindSessionLogout:
				c.teardown()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) poll(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.identity.CurrentUserID(); err != nil {
				if syncerr.IsUnauthenticated(err) && c.status.Current() != status.Unauthenticated {
					c.logger.Info("session expired")
					c.teardown()
				}
				continue
			}
			ran, err := c.directory.TryRefresh(ctx)
			if !ran {
				c.logger.Debug("directory refresh skipped, previous one in flight")
				continue
			}
			c.afterRefresh(ctx, err)
		case <-ctx.Done():
			return
		}
	}
}

// sync performs a full directory refresh and moves the state machine.
func (c *Client) sync(ctx context.Context) error {
	c.transition(status.Syncing)
	err := c.directory.Refresh(ctx)
	c.afterRefresh(ctx, err)
	return err
}

// Refresh runs a directory refresh now.
func (c *Client) Refresh(ctx context.Context) error {
	err := c.directory.Refresh(ctx)
	c.afterRefresh(ctx, err)
	return err
}

func (c *Client) afterRefresh(ctx context.Context, err error) {
	switch {
	case err == nil:
		c.transition(status.Ready)
		stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if cerr := c.checkpoints.Set(ctx, intsync.CheckpointDirectoryRefreshed, stamp); cerr != nil {
			c.logger.Warn("failed to record refresh checkpoint", zap.Error(cerr))
		}
	case syncerr.IsUnauthenticated(err):
		c.teardown()
	default:
		c.logger.Warn("directory refresh failed", zap.Error(err))
		c.transition(status.Degraded)
	}
}

// teardown drops every per-session resource after a logout or expiry.
func (c *Client) teardown() {
	c.mu.Lock()
	c.active = ""
	c.mu.Unlock()

	c.timelines.Reset()
	c.presence.Registry().Reset()
	c.directory.Reset()
	c.outbox.Forget()
	c.transition(status.Unauthenticated)
	c.logger.Info("session torn down")
}

func (c *Client) transition(to status.State) {
	if err := c.status.Ensure(to); err != nil {
		c.logger.Debug("status transition ignored", zap.String("to", string(to)), zap.Error(err))
	}
}

func (c *Client) sessionContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCtx
}

// ActiveConversation returns the open conversation, if any.
func (c *Client) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
