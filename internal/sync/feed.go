package sync

import (
	gosync "sync"

	"github.com/matheus3301/dmsync/internal/store"
)

// feed is one live subscription to a conversation. Pushes never block and
// never drop: messages queue until the forwarder hands them to the reader.
type feed struct {
	mu     gosync.Mutex
	queue  []store.Message
	notify chan struct{}
}

func newFeed() *feed {
	return &feed{notify: make(chan struct{}, 1)}
}

func (f *feed) push(m store.Message) {
	f.mu.Lock()
	f.queue = append(f.queue, m)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *feed) drain() []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.queue
	f.queue = nil
	return out
}

// forward copies queued messages to out in push order until stop closes.
func (f *feed) forward(out chan<- store.Message, stop <-chan struct{}) {
	for {
		select {
		case <-f.notify:
		case <-stop:
			return
		}
		for _, m := range f.drain() {
			select {
			case out <- m:
			case <-stop:
				return
			}
		}
	}
}

func (e *Engine) addFeed(conversationID string, f *feed) {
	e.feedsMu.Lock()
	defer e.feedsMu.Unlock()
	if e.feeds[conversationID] == nil {
		e.feeds[conversationID] = make(map[*feed]struct{})
	}
	e.feeds[conversationID][f] = struct{}{}
}

func (e *Engine) removeFeed(conversationID string, f *feed) {
	e.feedsMu.Lock()
	defer e.feedsMu.Unlock()
	delete(e.feeds[conversationID], f)
	if len(e.feeds[conversationID]) == 0 {
		delete(e.feeds, conversationID)
	}
}

func (e *Engine) fanOut(m store.Message) {
	e.feedsMu.Lock()
	defer e.feedsMu.Unlock()
	for f := range e.feeds[m.ConversationID] {
		f.push(m)
	}
}

// Feeds returns the number of open live feeds.
func (e *Engine) Feeds() int {
	e.feedsMu.Lock()
	defer e.feedsMu.Unlock()
	n := 0
	for _, fs := range e.feeds {
		n += len(fs)
	}
	return n
}
