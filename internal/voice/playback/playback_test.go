package playback_test

import (
	"sync"
	"testing"
	"time"

	"github.com/90rdon/visionary-me/internal/voice/playback"
	"github.com/90rdon/visionary-me/pkg/audio"
	devmock "github.com/90rdon/visionary-me/pkg/device/mock"
)

// immediateAfter runs callbacks synchronously and records requested delays.
type immediateAfter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (a *immediateAfter) after(d time.Duration, f func()) *time.Timer {
	a.mu.Lock()
	a.delays = append(a.delays, d)
	a.mu.Unlock()
	f()
	return time.AfterFunc(time.Hour, func() {})
}

func (a *immediateAfter) recorded() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Duration(nil), a.delays...)
}

// fixedClock keeps the scheduler's idea of "now" pinned.
func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// pcm returns a chunk lasting the given number of milliseconds at playback
// rate.
func pcm(ms int) []byte {
	samples := make([]float32, audio.PlaybackRate*ms/1000)
	return audio.EncodePCM(samples)
}

func TestEnqueue_BackToBackWithoutGaps(t *testing.T) {
	player := devmock.NewPlayer()
	after := &immediateAfter{}
	base := time.Unix(1000, 0)
	s := playback.NewScheduler(player,
		playback.WithClock(fixedClock(base)),
		playback.WithAfterFunc(after.after),
	)

	// Three 100 ms chunks arriving instantly must start at 0, 100 and 200 ms.
	for range 3 {
		if err := s.Enqueue(pcm(100)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	delays := after.recorded()
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
	if player.CallCountPlay != 3 {
		t.Errorf("Play calls = %d, want 3", player.CallCountPlay)
	}
}

func TestEnqueue_AfterDrainStartsImmediately(t *testing.T) {
	player := devmock.NewPlayer()
	after := &immediateAfter{}
	clock := time.Unix(1000, 0)
	s := playback.NewScheduler(player,
		playback.WithClock(func() time.Time { return clock }),
		playback.WithAfterFunc(after.after),
	)

	if err := s.Enqueue(pcm(100)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Silence passes: the clock moves past the end of the queued audio.
	clock = clock.Add(500 * time.Millisecond)
	if err := s.Enqueue(pcm(100)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	delays := after.recorded()
	if delays[1] != 0 {
		t.Errorf("post-drain delay = %v, want 0", delays[1])
	}
}

func TestEnqueue_ResumesSuspendedPlayer(t *testing.T) {
	player := devmock.NewPlayer()
	player.SuspendedResult = true
	after := &immediateAfter{}
	s := playback.NewScheduler(player, playback.WithAfterFunc(after.after))

	if err := s.Enqueue(pcm(10)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if player.CallCountResume != 1 {
		t.Errorf("Resume calls = %d, want 1", player.CallCountResume)
	}
}

func TestEnqueue_EmptyChunkIsNoop(t *testing.T) {
	player := devmock.NewPlayer()
	s := playback.NewScheduler(player)
	if err := s.Enqueue(nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if player.CallCountPlay != 0 {
		t.Error("empty chunk reached the player")
	}
}

func TestStopAll_StopsPlayingAndResetsCursor(t *testing.T) {
	player := devmock.NewPlayer()
	after := &immediateAfter{}
	base := time.Unix(1000, 0)
	s := playback.NewScheduler(player,
		playback.WithClock(fixedClock(base)),
		playback.WithAfterFunc(after.after),
	)

	s.Enqueue(pcm(100))
	s.Enqueue(pcm(100))
	if s.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", s.Pending())
	}

	s.StopAll()
	if s.Pending() != 0 {
		t.Errorf("Pending after StopAll = %d", s.Pending())
	}
	if player.StoppedCount() != 2 {
		t.Errorf("stopped handles = %d, want 2", player.StoppedCount())
	}

	// The cursor reset: new audio starts now, not after the old queue.
	s.Enqueue(pcm(100))
	delays := after.recorded()
	if last := delays[len(delays)-1]; last != 0 {
		t.Errorf("delay after StopAll = %v, want 0", last)
	}
}

func TestPendingHook_TracksQueueDepth(t *testing.T) {
	player := devmock.NewPlayer()
	after := &immediateAfter{}
	var mu sync.Mutex
	depth := 0
	s := playback.NewScheduler(player,
		playback.WithAfterFunc(after.after),
		playback.WithPendingHook(func(delta int) {
			mu.Lock()
			depth += delta
			mu.Unlock()
		}),
	)

	s.Enqueue(pcm(10))
	s.Enqueue(pcm(10))
	mu.Lock()
	if depth != 2 {
		t.Errorf("depth after two enqueues = %d, want 2", depth)
	}
	mu.Unlock()

	s.StopAll()
	mu.Lock()
	if depth != 0 {
		t.Errorf("depth after StopAll = %d, want 0", depth)
	}
	mu.Unlock()
}

func TestNaturalCompletionRemovesFromPending(t *testing.T) {
	player := devmock.NewPlayer()
	after := &immediateAfter{}
	s := playback.NewScheduler(player, playback.WithAfterFunc(after.after))

	s.Enqueue(pcm(10))
	if !player.FinishOldest() {
		t.Fatal("no handle to finish")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("finished chunk never left the pending set")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if player.StoppedCount() != 0 {
		t.Error("natural completion counted as stop")
	}
}
