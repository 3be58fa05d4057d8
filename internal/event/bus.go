package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a category of event.
type Type string

// Known event types.
const (
	PreviewFetched  Type = "preview.fetched"
	PreviewFailed   Type = "preview.failed"
	PreviewCacheHit Type = "preview.cache_hit"
	PreviewPruned   Type = "preview.pruned"
	ImageProbed     Type = "image.probed"
)

// Payload is the typed body of an event. Its type decides the event type.
type Payload interface {
	EventType() Type
}

// Fetched is published after a page was scraped and cached.
type Fetched struct {
	URL       string        `json:"url"`
	BestImage string        `json:"best_image,omitempty"`
	Images    int           `json:"images"`
	Duration  time.Duration `json:"duration"`
}

// Failed is published when a page could not be scraped. Status is the
// upstream HTTP status, or zero for network and parse failures.
type Failed struct {
	URL    string `json:"url"`
	Error  string `json:"error"`
	Status int    `json:"status,omitempty"`
}

// CacheHit is published when a cached preview answers a request.
type CacheHit struct {
	URL    string `json:"url"`
	Failed bool   `json:"failed"`
}

// Pruned is published after expired cache rows were removed.
type Pruned struct {
	Previews   int64 `json:"previews"`
	Dimensions int64 `json:"dimensions"`
}

// Probed is published when an image was downloaded to learn its size.
type Probed struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (Fetched) EventType() Type  { return PreviewFetched }
func (Failed) EventType() Type   { return PreviewFailed }
func (CacheHit) EventType() Type { return PreviewCacheHit }
func (Pruned) EventType() Type   { return PreviewPruned }
func (Probed) EventType() Type   { return ImageProbed }

// Event wraps a payload with delivery metadata.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Payload   `json:"data"`
}

// Handler is a function that processes an event.
type Handler func(Event)

// Bus is an in-process event bus backed by a buffered channel. Handlers run
// on the goroutine that called Start, one event at a time.
type Bus struct {
	ch      chan Event
	mu      sync.RWMutex
	byType  map[Type][]Handler
	all     []Handler
	logger  *slog.Logger
	done    chan struct{}
	stopped bool
}

// NewBus creates a new event bus with the given buffer size.
func NewBus(logger *slog.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		ch:     make(chan Event, bufSize),
		byType: make(map[Type][]Handler),
		logger: logger.With(slog.String("component", "event")),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish queues p for delivery and never blocks. When the buffer is full
// the event is dropped with a warning.
func (b *Bus) Publish(p Payload) {
	if p == nil {
		return
	}
	e := Event{
		ID:        uuid.NewString(),
		Type:      p.EventType(),
		Timestamp: time.Now().UTC(),
		Data:      p,
	}
	select {
	case b.ch <- e:
	default:
		b.logger.Warn("event bus full, dropping event", "type", string(e.Type))
	}
}

// Start delivers queued events until Stop is called, then drains what is
// left in the buffer. Call it in a goroutine.
func (b *Bus) Start() {
	for {
		select {
		case e := <-b.ch:
			b.dispatch(e)
		case <-b.done:
			for {
				select {
				case e := <-b.ch:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

// Stop signals Start to drain the buffer and return. It is safe to call
// more than once.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.stopped = true
		close(b.done)
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byType[e.Type])+len(b.all))
	handlers = append(handlers, b.byType[e.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(h, e)
	}
}

func (b *Bus) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", string(e.Type), "id", e.ID, "panic", r)
		}
	}()
	h(e)
}
