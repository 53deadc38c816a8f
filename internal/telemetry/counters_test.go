package telemetry

import (
	"errors"
	"sync"
	"testing"
)

func TestTrafficCounters_ConcurrentRecord(t *testing.T) {
	c := NewTrafficCounters(nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.StreamOpened()
			for j := 0; j < 100; j++ {
				c.Record(LocalToRemote, 2)
				c.Record(RemoteToLocal, 3)
			}
			c.StreamClosed(nil)
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.LocalToRemote != 32*100*2 {
		t.Fatalf("local_to_remote=%d", s.LocalToRemote)
	}
	if s.RemoteToLocal != 32*100*3 {
		t.Fatalf("remote_to_local=%d", s.RemoteToLocal)
	}
	if s.ActiveStreams != 0 || s.TotalStreams != 32 {
		t.Fatalf("active=%d total=%d", s.ActiveStreams, s.TotalStreams)
	}
}

func TestTrafficCounters_Failures(t *testing.T) {
	c := NewTrafficCounters(nil)
	c.StreamOpened()
	c.StreamClosed(errors.New("boom"))
	c.Record(LocalToRemote, -1)

	s := c.Snapshot()
	if s.FailedStreams != 1 {
		t.Fatalf("failed=%d want 1", s.FailedStreams)
	}
	if s.LocalToRemote != 0 {
		t.Fatalf("negative counts must be ignored, got %d", s.LocalToRemote)
	}
}
