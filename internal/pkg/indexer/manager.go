package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/subflowhq/subflow/app/repository"
	"github.com/subflowhq/subflow/internal/pkg/chain"
	"github.com/subflowhq/subflow/internal/pkg/chaincfg"
	"github.com/subflowhq/subflow/internal/pkg/env"
	"github.com/subflowhq/subflow/internal/pkg/metrics/counter"
)

// Manager runs one indexer loop per configured chain plus the counter flush
// worker that drains Redis deltas into the chain_stats table.
type Manager struct {
	indexers      []*Indexer
	repos         *repository.Repositories
	pollTicker    time.Duration
	flushInterval time.Duration
	flushTicker   *time.Ticker
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager builds an indexer per chain against the shared repositories.
func NewManager(chains []chaincfg.ChainConfig, repos *repository.Repositories, merchantAllowlist []string) *Manager {
	indexers := make([]*Indexer, 0, len(chains))
	for _, cfg := range chains {
		client := chain.NewRPCClient(cfg.RPCURL)
		indexers = append(indexers, New(cfg, client, repos, merchantAllowlist))
	}
	return &Manager{
		indexers:      indexers,
		repos:         repos,
		pollTicker:    time.Duration(env.GetEnvInt("INDEXER_POLL_SECONDS", 15)) * time.Second,
		flushInterval: 5 * time.Second,
	}
}

// Start launches the per-chain loops and the counter flush worker.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	log.Infof("[Indexer Manager] Starting %d chain indexer(s)", len(m.indexers))

	for _, ix := range m.indexers {
		m.wg.Add(1)
		go m.chainWorker(ctx, ix)
	}

	m.flushTicker = time.NewTicker(m.flushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker(ctx)

	log.Info("[Indexer Manager] Started successfully")
}

// Stop cancels the workers and waits for them to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Indexer Manager] Stopping chain indexers...")

	if m.flushTicker != nil {
		m.flushTicker.Stop()
	}
	m.cancel()
	m.running = false

	m.wg.Wait()

	log.Info("[Indexer Manager] Stopped successfully")
}

func (m *Manager) chainWorker(ctx context.Context, ix *Indexer) {
	defer m.wg.Done()

	log.Infof("[Indexer Manager] Started worker for chain %s (poll interval %s)", ix.cfg.Name, m.pollTicker)

	ticker := time.NewTicker(m.pollTicker)
	defer ticker.Stop()

	// Index immediately on startup instead of waiting a full tick.
	if err := ix.RunOnce(ctx); err != nil {
		log.Errorf("[Indexer Manager] chain %s: %v", ix.cfg.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Infof("[Indexer Manager] chain %s worker stopping", ix.cfg.Name)
			return
		case <-ticker.C:
			if err := ix.RunOnce(ctx); err != nil {
				log.Errorf("[Indexer Manager] chain %s: %v", ix.cfg.Name, err)
			}
		}
	}
}

// counterFlushWorker periodically drains the Redis event/charge counters to DB.
func (m *Manager) counterFlushWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Info("[Indexer Manager] Counter flush worker stopping")
			return
		case <-m.flushTicker.C:
			if err := counter.FlushAll(m.repos.Stats); err != nil {
				log.Errorf("[Indexer Manager] Counter flush error: %v", err)
			}
		}
	}
}
