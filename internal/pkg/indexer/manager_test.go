package indexer

import (
	"testing"
	"time"

	"github.com/subflowhq/subflow/app/repository"
)

func TestManagerFlushesAgainstInjectedRepositories(t *testing.T) {
	// The flush worker must use the injected repositories; with the global
	// factory uninitialized this would panic otherwise.
	m := NewManager(nil, repository.NewMemoryRepositories(), nil)
	m.flushInterval = time.Millisecond

	m.Start()
	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	m.Stop()
}
