// Package usage records per-request accounting into minute buckets.
// Writes are fire-and-forget with respect to the client response: a
// bounded queue feeds a background dispatcher, the queue drops when
// full, and write errors are swallowed after a debug log. Each proxied
// request carries a Recorder that resolves the ordering between the
// final request outcome and token-usage notifications arriving from
// the response stream.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/kleisproxy/kleis/internal/store"
	log "github.com/sirupsen/logrus"
)

// TokenUsage is the token breakdown extracted from an upstream response.
type TokenUsage struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
}

// IsZero reports whether no tokens were observed.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheReadTokens == 0 && u.CacheWriteTokens == 0
}

// Sink is the slice of the store the dispatcher writes through.
type Sink interface {
	RecordRequestUsage(ctx context.Context, row store.RequestUsageRow) error
	RecordTokenUsage(ctx context.Context, row store.TokenUsageRow) error
}

type queueItem struct {
	request *store.RequestUsageRow
	tokens  *store.TokenUsageRow
}

// Manager owns the queue and the background dispatcher.
type Manager struct {
	once     sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc
	queue    chan queueItem
	sink     Sink
}

// NewManager constructs a manager with a buffered queue.
func NewManager(sink Sink, buffer int) *Manager {
	if buffer <= 0 {
		buffer = 256
	}
	return &Manager{sink: sink, queue: make(chan queueItem, buffer)}
}

// Start launches the background dispatcher. Calling Start multiple
// times is safe.
func (m *Manager) Start(ctx context.Context) {
	m.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		var workerCtx context.Context
		workerCtx, m.cancel = context.WithCancel(ctx)
		go m.run(workerCtx)
	})
}

// Stop stops the dispatcher after draining whatever is queued.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		close(m.queue)
	})
}

func (m *Manager) publish(item queueItem) {
	m.Start(context.Background())
	select {
	case m.queue <- item:
	default:
		log.Debug("usage: queue full, dropping record")
	}
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case item, ok := <-m.queue:
			if !ok {
				return
			}
			m.dispatch(item)
		}
	}
}

func (m *Manager) drain() {
	for {
		select {
		case item, ok := <-m.queue:
			if !ok {
				return
			}
			m.dispatch(item)
		default:
			return
		}
	}
}

func (m *Manager) dispatch(item queueItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	switch {
	case item.request != nil:
		err = m.sink.RecordRequestUsage(ctx, *item.request)
	case item.tokens != nil:
		err = m.sink.RecordTokenUsage(ctx, *item.tokens)
	}
	if err != nil {
		log.WithError(err).Debug("usage: write failed")
	}
}

// RequestInfo identifies the bucket a request's usage lands in. The
// account id starts out as the missing-account sentinel and is filled
// in once the orchestrator resolves an account.
type RequestInfo struct {
	APIKeyID          string
	ProviderAccountID string
	Provider          string
	Endpoint          string
	Model             string
}

// Recorder is the per-request state machine. Token notifications that
// arrive before the request outcome ride along on the request-counter
// row; notifications after it become token-only upserts.
type Recorder struct {
	manager *Manager

	mu                sync.Mutex
	info              RequestInfo
	countersPersisted bool
	latestTokens      *TokenUsage
}

// NewRecorder starts tracking one request.
func (m *Manager) NewRecorder(info RequestInfo) *Recorder {
	return &Recorder{manager: m, info: info}
}

// SetAccountID fills in the resolved provider account.
func (r *Recorder) SetAccountID(id string) {
	r.mu.Lock()
	r.info.ProviderAccountID = id
	r.mu.Unlock()
}

// SetModel fills in the normalized model once the body is parsed.
func (r *Recorder) SetModel(model string) {
	r.mu.Lock()
	r.info.Model = model
	r.mu.Unlock()
}

// OnTokenUsage feeds a token extraction from the response stream.
func (r *Recorder) OnTokenUsage(u TokenUsage) {
	if u.IsZero() {
		return
	}
	r.mu.Lock()
	if !r.countersPersisted {
		copied := u
		r.latestTokens = &copied
		r.mu.Unlock()
		return
	}
	info := r.info
	r.mu.Unlock()

	r.manager.publish(queueItem{tokens: &store.TokenUsageRow{
		OccurredAt:        time.Now().UnixMilli(),
		APIKeyID:          info.APIKeyID,
		ProviderAccountID: info.ProviderAccountID,
		Provider:          info.Provider,
		Endpoint:          info.Endpoint,
		Model:             info.Model,
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CacheReadTokens:   u.CacheReadTokens,
		CacheWriteTokens:  u.CacheWriteTokens,
	}})
}

// RecordOutcome persists the request counters exactly once, attaching
// any token usage cached so far. Later calls are ignored.
func (r *Recorder) RecordOutcome(status int, startedAt time.Time) {
	occurredAt := time.Now()

	r.mu.Lock()
	if r.countersPersisted {
		r.mu.Unlock()
		return
	}
	r.countersPersisted = true
	info := r.info
	tokens := r.latestTokens
	r.latestTokens = nil
	r.mu.Unlock()

	row := &store.RequestUsageRow{
		OccurredAt:        occurredAt.UnixMilli(),
		APIKeyID:          info.APIKeyID,
		ProviderAccountID: info.ProviderAccountID,
		Provider:          info.Provider,
		Endpoint:          info.Endpoint,
		Model:             info.Model,
		Status:            status,
		DurationMs:        occurredAt.Sub(startedAt).Milliseconds(),
	}
	if tokens != nil {
		row.InputTokens = tokens.InputTokens
		row.OutputTokens = tokens.OutputTokens
		row.CacheReadTokens = tokens.CacheReadTokens
		row.CacheWriteTokens = tokens.CacheWriteTokens
	}
	r.manager.publish(queueItem{request: row})
}
