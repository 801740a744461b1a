package envmanager

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/queelius/sandrun/internal/types"
)

// diskUsageWorkers bounds concurrent directory reads during disk-usage
// accounting, mirroring the teacher's scanner.walkerSem.
const diskUsageWorkers = 16

// diskUsage sums the apparent size of every regular file under root using
// the same semaphore-bounded, breadth-controlled fan-out/fan-in walk as
// the teacher's internal/scanner.Scanner.Run: one goroutine per directory,
// an atomic counter instead of a result channel (stats() only needs a
// total, not the file list), and a WaitGroup for completion. A missing
// root contributes zero rather than erroring, since stats() is best-effort
// accounting, not a correctness-critical path.
func diskUsage(root string) int64 {
	if _, err := os.Stat(root); err != nil {
		return 0
	}

	var total atomic.Int64
	var wg sync.WaitGroup
	sem := types.NewSemaphore(diskUsageWorkers)

	var walk func(dir string)
	walk = func(dir string) {
		defer wg.Done()
		sem.Acquire()
		entries, err := os.ReadDir(dir)
		sem.Release()
		if err != nil {
			return
		}

		var subdirs []string
		for _, e := range entries {
			if e.IsDir() {
				subdirs = append(subdirs, filepath.Join(dir, e.Name()))
				continue
			}
			if info, infoErr := e.Info(); infoErr == nil {
				total.Add(info.Size())
			}
		}
		for _, sub := range subdirs {
			wg.Add(1)
			go walk(sub)
		}
	}

	wg.Add(1)
	go walk(root)
	wg.Wait()

	return total.Load()
}
