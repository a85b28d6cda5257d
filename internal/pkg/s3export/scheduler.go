package s3export

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Scheduler runs the exporter once per UTC day, shortly after midnight,
// exporting the day that just ended.
type Scheduler struct {
	exporter *Exporter

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler wraps an exporter in a daily schedule.
func NewScheduler(exporter *Exporter) *Scheduler {
	return &Scheduler{exporter: exporter}
}

// Start launches the scheduling worker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.worker(ctx)

	log.Info("[S3Export] Daily settlement export scheduled")
}

// Stop cancels the worker and waits for any in-flight export.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.running = false
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := time.Now().UTC()
		// Five minutes past midnight leaves room for late indexer commits.
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 5, 0, 0, time.UTC).Add(24 * time.Hour)

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			previousDay := next.Add(-24 * time.Hour)
			if err := s.exporter.ExportDay(ctx, previousDay); err != nil {
				log.Errorf("[S3Export] export for %s failed: %v", previousDay.Format("2006-01-02"), err)
			}
		}
	}
}
