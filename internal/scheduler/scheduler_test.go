package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/market"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	block chan struct{}
	err   error
	panic bool
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.panic {
		panic("boom")
	}
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
		}
	}
	return j.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.RunOnce(context.Background(), &countingJob{name: "p", panic: true})
	if err == nil {
		t.Fatal("Expected panic to surface as an error")
	}
}

func TestRunOnce_ReturnsJobError(t *testing.T) {
	s := New(zerolog.Nop())
	want := errors.New("stage failed")
	if err := s.RunOnce(context.Background(), &countingJob{name: "e", err: want}); !errors.Is(err, want) {
		t.Errorf("Expected %v, got %v", want, err)
	}
}

func TestScheduler_RunsRepeatedly(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "tick"}
	s.Every(5*time.Millisecond, job, true)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, func() bool { return job.runs.Load() >= 3 })
	s.Stop()

	after := job.runs.Load()
	time.Sleep(20 * time.Millisecond)
	if got := job.runs.Load(); got != after {
		t.Errorf("Expected no runs after Stop, got %d more", got-after)
	}
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "slow", block: make(chan struct{})}
	s.Every(2*time.Millisecond, job, true)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, func() bool { return job.runs.Load() == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := job.runs.Load(); got != 1 {
		t.Errorf("Expected 1 run while blocked, got %d", got)
	}
	close(job.block)
	waitFor(t, func() bool { return job.runs.Load() >= 2 })
	s.Stop()
}

func TestScheduler_FailingJobDoesNotStopOthers(t *testing.T) {
	s := New(zerolog.Nop())
	bad := &countingJob{name: "bad", panic: true}
	good := &countingJob{name: "good"}
	s.Every(2*time.Millisecond, bad, true)
	s.Every(2*time.Millisecond, good, true)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, func() bool { return bad.runs.Load() >= 2 && good.runs.Load() >= 2 })
	s.Stop()
}

func TestScheduler_StartTwiceAndBadInterval(t *testing.T) {
	s := New(zerolog.Nop())
	s.Every(time.Second, &countingJob{name: "a"}, false)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}
	s.Stop()

	bad := New(zerolog.Nop())
	bad.Every(0, &countingJob{name: "zero"}, false)
	if err := bad.Start(context.Background()); err == nil {
		t.Error("Expected zero interval to be rejected")
	}
}

var ist = time.FixedZone("IST", 5*3600+1800)

func newCleanup(t *testing.T) (*Cleanup, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := cache.NewCacheService(config.RedisConfig{Address: mr.Addr()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCacheService failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	session := &market.Session{Location: ist}
	return NewCleanup(store, session, config.Clock(15*60+30), zerolog.Nop()), mr
}

func TestCleanup(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		deleted bool
	}{
		{"before time", time.Date(2025, 3, 4, 15, 29, 0, 0, ist), false},
		{"at time", time.Date(2025, 3, 4, 15, 30, 0, 0, ist), true},
		{"evening", time.Date(2025, 3, 4, 20, 0, 0, 0, ist), true},
		{"saturday", time.Date(2025, 3, 8, 16, 0, 0, 0, ist), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mr := newCleanup(t)
			mr.Set(cache.MarketStateKey("u1"), "{}")
			mr.Set(cache.MarketStateKey("u2"), "{}")
			mr.Set(cache.ActiveTradeKey("u1"), "{}")
			c.now = func() time.Time { return tt.now }

			if err := c.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if gone := !mr.Exists(cache.MarketStateKey("u1")); gone != tt.deleted {
				t.Errorf("Expected deleted=%v, got %v", tt.deleted, gone)
			}
			if !mr.Exists(cache.ActiveTradeKey("u1")) {
				t.Error("Expected other keys to survive cleanup")
			}
		})
	}
}

func TestCleanup_OncePerDay(t *testing.T) {
	c, mr := newCleanup(t)
	now := time.Date(2025, 3, 4, 15, 31, 0, 0, ist)
	c.now = func() time.Time { return now }

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mr.Set(cache.MarketStateKey("u1"), "{}")
	now = now.Add(10 * time.Minute)
	c.Run(context.Background())
	if !mr.Exists(cache.MarketStateKey("u1")) {
		t.Error("Expected a second run on the same day to be a no-op")
	}

	now = now.Add(24 * time.Hour)
	c.Run(context.Background())
	if mr.Exists(cache.MarketStateKey("u1")) {
		t.Error("Expected next day's run to clean again")
	}
}

func TestCleanup_Name(t *testing.T) {
	c, _ := newCleanup(t)
	if c.Name() != "eod_cleanup" {
		t.Errorf("Expected eod_cleanup, got %s", c.Name())
	}
}
