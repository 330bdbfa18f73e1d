package metrics_test

import (
	"sync"
	"testing"

	"tankobon/internal/metrics"
)

func TestRegistryCountsAndResets(t *testing.T) {
	reg := metrics.NewRegistry()

	reg.DownloadQueued(3)
	reg.DownloadCompleted()
	reg.DownloadFailed()
	reg.DownloadRetried()
	reg.PageFetched(100)
	reg.PageFetched(250)
	reg.CleanupPerformed(4096)

	snap := reg.Snapshot()
	if snap.DownloadsQueued != 3 {
		t.Fatalf("queued = %d", snap.DownloadsQueued)
	}
	if snap.DownloadsCompleted != 1 || snap.DownloadsFailed != 1 || snap.DownloadsRetried != 1 {
		t.Fatalf("unexpected lifecycle counters: %+v", snap)
	}
	if snap.PagesFetched != 2 || snap.BytesDownloaded != 350 {
		t.Fatalf("unexpected page counters: %+v", snap)
	}
	if snap.CleanupRuns != 1 || snap.CleanupBytesFreed != 4096 {
		t.Fatalf("unexpected cleanup counters: %+v", snap)
	}
	if snap.Since.IsZero() {
		t.Fatal("snapshot must carry the window start")
	}

	reg.Reset()
	snap = reg.Snapshot()
	if snap.DownloadsQueued != 0 || snap.PagesFetched != 0 || snap.BytesDownloaded != 0 {
		t.Fatalf("reset must zero counters: %+v", snap)
	}
}

func TestRegistryConcurrentUpdates(t *testing.T) {
	reg := metrics.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.PageFetched(1)
			}
		}()
	}
	wg.Wait()

	snap := reg.Snapshot()
	if snap.PagesFetched != 1000 || snap.BytesDownloaded != 1000 {
		t.Fatalf("lost updates: %+v", snap)
	}
}
