package usecase

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/NasaVasa/shardalerts/internal/index"
	"go.uber.org/zap"
)

const stopTimeout = 5 * time.Second

// Shard owns a fixed symbol set together with its in-memory and persistent
// tiers.
type Shard struct {
	Name        string
	Symbols     []string
	Concurrency int
	Index       *index.AlertIndex
	Store       domain.ShardStore

	symbolSet map[string]struct{}
}

func NewShard(name string, symbols []string, concurrency int, store domain.ShardStore, logger *zap.Logger) *Shard {
	if concurrency <= 0 {
		concurrency = 1
	}
	sorted := append([]string(nil), symbols...)
	slices.Sort(sorted)
	set := make(map[string]struct{}, len(sorted))
	for _, symbol := range sorted {
		set[symbol] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shard{
		Name:        name,
		Symbols:     sorted,
		Concurrency: concurrency,
		Index:       index.New(sorted, logger.With(zap.String("shard", name))),
		Store:       store,
		symbolSet:   set,
	}
}

func (s *Shard) Owns(symbol string) bool {
	_, ok := s.symbolSet[symbol]
	return ok
}

// StoreOpener opens the persistent store for a shard name.
type StoreOpener func(shard string) (domain.ShardStore, error)

// ShardManager builds the shards from the configured topology, runs their
// consumers and routes symbols to their owner.
type ShardManager struct {
	assigner   domain.ShardAssigner
	bus        domain.MessageBus
	matcher    *Matcher
	propagator *Propagator
	queueSize  int
	logger     *zap.Logger

	mu      sync.RWMutex
	shards  map[string]*Shard
	owners  map[string]*Shard
	runners map[string]*shardRunner
}

type shardRunner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewShardManager(assigner domain.ShardAssigner, bus domain.MessageBus, matcher *Matcher, queueSize int, logger *zap.Logger) *ShardManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	m := &ShardManager{
		assigner:  assigner,
		bus:       bus,
		matcher:   matcher,
		queueSize: queueSize,
		logger:    logger,
		shards:    make(map[string]*Shard),
		owners:    make(map[string]*Shard),
		runners:   make(map[string]*shardRunner),
	}
	m.propagator = NewPropagator(m, logger)
	return m
}

// Build assigns symbols across the configured shards, opens each shard's
// store and loads its index from that store. Every configured shard is
// created, including those that own no symbols.
func (m *ShardManager) Build(ctx context.Context, symbols []string, concurrency map[string]int, open StoreOpener) error {
	names := make([]string, 0, len(concurrency))
	for name := range concurrency {
		names = append(names, name)
	}
	slices.Sort(names)

	assignments := m.assigner.Assign(symbols, names)
	if len(assignments) == 0 {
		m.logger.Warn("no symbols assigned to any shard, matching disabled",
			zap.Int("symbols", len(symbols)),
			zap.Int("shards", len(names)),
		)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if _, exists := m.shards[name]; exists {
			return fmt.Errorf("shard %s already built", name)
		}
		store, err := open(name)
		if err != nil {
			return fmt.Errorf("open store for shard %s: %w", name, err)
		}
		shard := NewShard(name, assignments[name], concurrency[name], store, m.logger)
		if err := shard.Index.Initialize(ctx, store); err != nil {
			store.Close()
			return fmt.Errorf("initialize index for shard %s: %w", name, err)
		}
		m.shards[name] = shard
		for _, symbol := range shard.Symbols {
			m.owners[symbol] = shard
		}
		m.logger.Info("shard created",
			zap.String("shard", name),
			zap.Strings("symbols", shard.Symbols),
			zap.Int("concurrency", shard.Concurrency),
		)
	}
	return nil
}

// Register adds an already constructed shard.
func (m *ShardManager) Register(shard *Shard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.shards[shard.Name]; exists {
		return fmt.Errorf("shard %s already registered", shard.Name)
	}
	for _, symbol := range shard.Symbols {
		if owner, ok := m.owners[symbol]; ok {
			return fmt.Errorf("symbol %s already owned by shard %s", symbol, owner.Name)
		}
	}
	m.shards[shard.Name] = shard
	for _, symbol := range shard.Symbols {
		m.owners[symbol] = shard
	}
	return nil
}

func (m *ShardManager) ShardFor(symbol string) (*Shard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shard, ok := m.owners[symbol]
	return shard, ok
}

func (m *ShardManager) Shard(name string) (*Shard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shard, ok := m.shards[name]
	return shard, ok
}

// Shards returns every shard ordered by name.
func (m *ShardManager) Shards() []*Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shards := make([]*Shard, 0, len(m.shards))
	for _, shard := range m.shards {
		shards = append(shards, shard)
	}
	slices.SortFunc(shards, func(a, b *Shard) int { return cmp.Compare(a.Name, b.Name) })
	return shards
}

func (m *ShardManager) Propagator() *Propagator {
	return m.propagator
}

// Start launches the window workers and the change consumer of every shard.
func (m *ShardManager) Start(ctx context.Context) error {
	for _, shard := range m.Shards() {
		if err := m.startShard(ctx, shard); err != nil {
			m.Stop()
			return err
		}
	}
	return nil
}

func (m *ShardManager) startShard(ctx context.Context, shard *Shard) error {
	logger := m.logger.With(zap.String("shard", shard.Name))
	if len(shard.Symbols) == 0 {
		logger.Warn("shard owns no symbols, consumers not started")
		return nil
	}

	childCtx, cancel := context.WithCancel(ctx)
	runner := &shardRunner{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, running := m.runners[shard.Name]; running {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.runners[shard.Name] = runner
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if m.runners[shard.Name] == runner {
			delete(m.runners, shard.Name)
		}
		m.mu.Unlock()
		cancel()
		close(runner.done)
	}

	work := make(chan domain.Window, m.queueSize)

	windowSubjects := make([]string, 0, len(shard.Symbols))
	changeSubjects := make([]string, 0, len(shard.Symbols))
	for _, symbol := range shard.Symbols {
		windowSubjects = append(windowSubjects, domain.WindowSubject(symbol))
		changeSubjects = append(changeSubjects, domain.ChangeSubject(symbol))
	}

	windowSub, err := m.bus.Subscribe(childCtx, windowSubjects, "shard-"+shard.Name+"-windows", m.enqueueWindow(childCtx, work, logger))
	if err != nil {
		release()
		return fmt.Errorf("subscribe windows for shard %s: %w", shard.Name, err)
	}
	changeSub, err := m.bus.Subscribe(childCtx, changeSubjects, "changes-"+shard.Name, m.propagator.Handle)
	if err != nil {
		_ = windowSub.Unsubscribe()
		release()
		return fmt.Errorf("subscribe changes for shard %s: %w", shard.Name, err)
	}

	var workers sync.WaitGroup
	for i := 0; i < shard.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			m.runWorker(childCtx, shard, work)
		}()
	}

	go func() {
		defer close(runner.done)
		<-childCtx.Done()
		if err := windowSub.Unsubscribe(); err != nil {
			logger.Warn("failed to unsubscribe windows", zap.Error(err))
		}
		if err := changeSub.Unsubscribe(); err != nil {
			logger.Warn("failed to unsubscribe changes", zap.Error(err))
		}
		workers.Wait()
	}()

	logger.Info("shard consumers started", zap.Int("workers", shard.Concurrency), zap.Int("symbols", len(shard.Symbols)))
	return nil
}

// enqueueWindow feeds the shard work queue. It blocks while the queue is full
// so a slow shard applies backpressure to its subscription.
func (m *ShardManager) enqueueWindow(ctx context.Context, work chan<- domain.Window, logger *zap.Logger) domain.MessageHandler {
	return func(_ context.Context, msg domain.Message) error {
		var window domain.Window
		if err := json.Unmarshal(msg.Data, &window); err != nil {
			logger.Warn("dropping undecodable window", zap.String("subject", msg.Subject), zap.Error(err))
			return nil
		}
		select {
		case work <- window:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *ShardManager) runWorker(ctx context.Context, shard *Shard, work <-chan domain.Window) {
	for {
		select {
		case <-ctx.Done():
			m.drain(shard, work)
			return
		case window := <-work:
			if _, err := m.matcher.ProcessWindow(ctx, window, shard); err != nil {
				m.logger.Warn("window processing failed",
					zap.String("shard", shard.Name),
					zap.String("symbol", window.Symbol),
					zap.Error(err),
				)
			}
		}
	}
}

// drain matches what is already queued using a short-lived context so
// accepted windows are not silently lost on shutdown.
func (m *ShardManager) drain(shard *Shard, work <-chan domain.Window) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for {
		select {
		case window := <-work:
			if _, err := m.matcher.ProcessWindow(ctx, window, shard); err != nil {
				m.logger.Warn("window processing failed during drain",
					zap.String("shard", shard.Name),
					zap.String("symbol", window.Symbol),
					zap.Error(err),
				)
			}
		default:
			return
		}
	}
}

func (m *ShardManager) StopShard(name string) {
	m.mu.Lock()
	runner, ok := m.runners[name]
	if ok {
		delete(m.runners, name)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	runner.cancel()
	select {
	case <-runner.done:
	case <-time.After(stopTimeout):
		m.logger.Warn("timeout stopping shard consumers", zap.String("shard", name))
	}
}

// Stop halts every shard consumer. Stores stay open until CloseStores.
func (m *ShardManager) Stop() {
	m.mu.Lock()
	names := make([]string, 0, len(m.runners))
	for name := range m.runners {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.StopShard(name)
	}
}

func (m *ShardManager) CloseStores() error {
	var errs []error
	for _, shard := range m.Shards() {
		if shard.Store == nil {
			continue
		}
		if err := shard.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store for shard %s: %w", shard.Name, err))
		}
	}
	return errors.Join(errs...)
}
