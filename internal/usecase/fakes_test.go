package usecase

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRepo is an in-memory authoritative store with an outbox.
type fakeRepo struct {
	mu        sync.Mutex
	alerts    map[uuid.UUID]domain.Alert
	outbox    []domain.OutboxEvent
	processed map[uuid.UUID]time.Time
	tick      int
	pageErr   map[string]error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		alerts:    make(map[uuid.UUID]domain.Alert),
		processed: make(map[uuid.UUID]time.Time),
		pageErr:   make(map[string]error),
	}
}

func (r *fakeRepo) nextTime() time.Time {
	r.tick++
	return baseTime.Add(time.Duration(r.tick) * time.Second)
}

func (r *fakeRepo) appendOutbox(changeType domain.ChangeType, alert domain.Alert) {
	r.outbox = append(r.outbox, domain.OutboxEvent{
		ID:        uuid.New(),
		Payload:   domain.ChangeEvent{Type: changeType, Alert: alert},
		CreatedAt: r.nextTime(),
	})
}

func (r *fakeRepo) Create(_ context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.alerts {
		if existing.Active && existing.AlertKey == alert.AlertKey && existing.UserID == alert.UserID {
			return domain.ErrAlreadyExists
		}
	}
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	alert.Active = true
	alert.Version = 1
	alert.CreatedAt = r.nextTime()
	alert.UpdatedAt = alert.CreatedAt
	r.alerts[alert.ID] = *alert
	r.appendOutbox(domain.ChangeCreate, *alert)
	return nil
}

// put stores an alert directly, bypassing the outbox.
func (r *fakeRepo) put(alert domain.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = r.nextTime()
		alert.UpdatedAt = alert.CreatedAt
	}
	r.alerts[alert.ID] = alert
}

func (r *fakeRepo) UpdateThreshold(_ context.Context, id uuid.UUID, alertKey string, threshold decimal.Decimal, condition domain.Condition) (*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !alert.Active {
		return nil, domain.ErrInactive
	}
	alert.AlertKey = alertKey
	alert.Threshold = threshold
	alert.Condition = condition
	alert.Version++
	alert.UpdatedAt = r.nextTime()
	r.alerts[id] = alert
	r.appendOutbox(domain.ChangeUpdate, alert)
	return &alert, nil
}

func (r *fakeRepo) Deactivate(_ context.Context, id uuid.UUID) (*domain.Alert, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if !alert.Active {
		return &alert, false, nil
	}
	alert.Active = false
	alert.Version++
	alert.UpdatedAt = r.nextTime()
	r.alerts[id] = alert
	r.appendOutbox(domain.ChangeDelete, alert)
	return &alert, true, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &alert, nil
}

func (r *fakeRepo) FindActiveByKey(_ context.Context, alertKey, userID string) (*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, alert := range r.alerts {
		if alert.Active && alert.AlertKey == alertKey && alert.UserID == userID {
			return &alert, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeRepo) activeSorted(symbols []string) []domain.Alert {
	wanted := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		wanted[symbol] = true
	}
	var out []domain.Alert
	for _, alert := range r.alerts {
		if alert.Active && wanted[alert.Symbol] {
			out = append(out, alert)
		}
	}
	slices.SortFunc(out, func(a, b domain.Alert) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

func (r *fakeRepo) FindActiveBySymbols(_ context.Context, symbols []string) ([]domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeSorted(symbols), nil
}

func (r *fakeRepo) FindActivePage(_ context.Context, symbols []string, after domain.PageCursor, limit int) ([]domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, symbol := range symbols {
		if err := r.pageErr[symbol]; err != nil {
			return nil, err
		}
	}
	var page []domain.Alert
	for _, alert := range r.activeSorted(symbols) {
		if !after.CreatedAt.IsZero() {
			c := alert.CreatedAt.Compare(after.CreatedAt)
			if c < 0 || (c == 0 && alert.ID.String() <= after.ID.String()) {
				continue
			}
		}
		page = append(page, alert)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (r *fakeRepo) ListByUser(_ context.Context, userID string) ([]domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Alert
	for _, alert := range r.alerts {
		if alert.UserID == userID {
			out = append(out, alert)
		}
	}
	slices.SortFunc(out, func(a, b domain.Alert) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (r *fakeRepo) FetchUnprocessed(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OutboxEvent
	for _, event := range r.outbox {
		if _, done := r.processed[event.ID]; done {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkProcessed(_ context.Context, ids []uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.processed[id] = at
	}
	return nil
}

func (r *fakeRepo) unprocessed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox) - len(r.processed)
}

// memStore is an in-memory ShardStore that keeps the higher version.
type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.Alert
	saveErr error
	closed  bool
}

func newMemStore(alerts ...domain.Alert) *memStore {
	s := &memStore{records: make(map[uuid.UUID]domain.Alert)}
	for _, alert := range alerts {
		s.records[alert.ID] = alert
	}
	return s
}

func (s *memStore) Save(_ context.Context, alert domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if current, ok := s.records[alert.ID]; ok && current.Version > alert.Version {
		return nil
	}
	s.records[alert.ID] = alert
	return nil
}

func (s *memStore) SaveAll(ctx context.Context, alerts []domain.Alert) error {
	for _, alert := range alerts {
		if err := s.Save(ctx, alert); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Delete(_ context.Context, alert domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.records[alert.ID]; ok && current.Version > alert.Version {
		return nil
	}
	delete(s.records, alert.ID)
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &alert, nil
}

func (s *memStore) ScanAll(context.Context) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Alert, 0, len(s.records))
	for _, alert := range s.records {
		out = append(out, alert)
	}
	return out, nil
}

func (s *memStore) FindActiveBySymbols(_ context.Context, symbols []string) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		wanted[symbol] = true
	}
	var out []domain.Alert
	for _, alert := range s.records {
		if alert.Active && wanted[alert.Symbol] {
			out = append(out, alert)
		}
	}
	return out, nil
}

func (s *memStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) has(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

type published struct {
	subject string
	data    []byte
}

// fakePublisher records publishes and fails on the configured call numbers.
type fakePublisher struct {
	mu     sync.Mutex
	msgs   []published
	calls  int
	failOn map[int]error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := p.failOn[p.calls]; err != nil {
		return err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.TriggerRecord
	saveErr error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: make(map[uuid.UUID]domain.TriggerRecord)}
}

func (h *fakeHistory) Save(_ context.Context, record *domain.TriggerRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.saveErr != nil {
		return h.saveErr
	}
	if _, ok := h.records[record.ID]; !ok {
		h.records[record.ID] = *record
	}
	return nil
}

func (h *fakeHistory) ListByUser(_ context.Context, userID string) ([]domain.TriggerRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.TriggerRecord
	for _, record := range h.records {
		if record.UserID == userID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (h *fakeHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// staticShards serves a fixed shard list and symbol routing.
type staticShards []*Shard

func (s staticShards) Shards() []*Shard { return s }

func (s staticShards) ShardFor(symbol string) (*Shard, bool) {
	for _, shard := range s {
		if shard.Owns(symbol) {
			return shard, true
		}
	}
	return nil, false
}

func makeAlert(symbol, user string, cond domain.Condition, threshold string) domain.Alert {
	th := decimal.RequireFromString(threshold)
	return domain.Alert{
		ID:        uuid.New(),
		AlertKey:  domain.BuildAlertKey(symbol, cond, th),
		Symbol:    symbol,
		UserID:    user,
		Threshold: th,
		Condition: cond,
		Active:    true,
		Version:   1,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
