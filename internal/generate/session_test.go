package generate

import (
	"context"
	"errors"
	"testing"
	"time"

	"fireside/internal/domain"
)

// fakeBackend replays a scripted event sequence.
type fakeBackend struct {
	events    []domain.StreamEvent
	openErr   error
	delay     time.Duration
	partialAt int // completion tokens reported when cancelled mid-stream
}

func (b *fakeBackend) Load(ctx context.Context, settings domain.ModelSettings) error { return nil }

func (b *fakeBackend) StreamChat(ctx context.Context, messages []domain.Message, params domain.SamplingParams) (<-chan domain.StreamEvent, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	out := make(chan domain.StreamEvent, len(b.events)+1)
	go func() {
		defer close(out)
		sent := 0
		for _, ev := range b.events {
			if ctx.Err() != nil {
				out <- domain.StreamEvent{Usage: &domain.Usage{CompletionTokens: sent}}
				return
			}
			if b.delay > 0 {
				select {
				case <-time.After(b.delay):
				case <-ctx.Done():
					out <- domain.StreamEvent{Usage: &domain.Usage{CompletionTokens: sent}}
					return
				}
			}
			out <- ev
			if ev.Delta != "" {
				sent++
			}
		}
	}()
	return out, nil
}

func (b *fakeBackend) CountTokens(messages []domain.Message) (int, error) { return 0, nil }
func (b *fakeBackend) Unload() error                                      { return nil }

func deltas(parts ...string) []domain.StreamEvent {
	var events []domain.StreamEvent
	for _, p := range parts {
		events = append(events, domain.StreamEvent{Delta: p})
	}
	return events
}

func run(t *testing.T, s *Session, onDelta func(string)) Result {
	t.Helper()
	return s.Run(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "hi"}}, domain.DefaultSamplingParams(), onDelta)
}

func TestRun_WhenStreamCompletes_ShouldReturnCompleted(t *testing.T) {
	events := append(deltas("Hel", "lo"), domain.StreamEvent{Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 2}})
	s := NewSession(&fakeBackend{events: events})

	res := run(t, s, nil)
	if res.Phase != PhaseCompleted {
		t.Fatalf("expected completed, got %s (err %v)", res.Phase, res.Err)
	}
	if res.Text != "Hello" {
		t.Errorf("expected accumulated text %q, got %q", "Hello", res.Text)
	}
	if res.Metrics.TokensGenerated != 2 {
		t.Errorf("expected 2 tokens from usage, got %d", res.Metrics.TokensGenerated)
	}
	if s.Phase() != PhaseCompleted {
		t.Errorf("session phase should be terminal, got %s", s.Phase())
	}
}

func TestRun_WhenNoUsageEvent_ShouldCountDeltas(t *testing.T) {
	s := NewSession(&fakeBackend{events: deltas("a", "b", "c")})
	res := run(t, s, nil)
	if res.Phase != PhaseCompleted {
		t.Fatalf("expected completed, got %s", res.Phase)
	}
	if res.Metrics.TokensGenerated != 3 {
		t.Errorf("expected 3 counted deltas, got %d", res.Metrics.TokensGenerated)
	}
}

func TestRun_WhenStreamFailsToOpen_ShouldReturnFailed(t *testing.T) {
	s := NewSession(&fakeBackend{openErr: domain.ErrNotLoaded})
	res := run(t, s, nil)
	if res.Phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", res.Phase)
	}
	if !errors.Is(res.Err, domain.ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded, got %v", res.Err)
	}
}

func TestRun_WhenStreamErrsMidway_ShouldKeepPartialText(t *testing.T) {
	events := append(deltas("par", "tial"), domain.StreamEvent{Err: &domain.GenerationError{Err: errors.New("oom")}})
	s := NewSession(&fakeBackend{events: events})

	res := run(t, s, nil)
	if res.Phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", res.Phase)
	}
	if res.Text != "partial" {
		t.Errorf("partial text must survive failure, got %q", res.Text)
	}
	var genErr *domain.GenerationError
	if !errors.As(res.Err, &genErr) {
		t.Errorf("expected GenerationError, got %v", res.Err)
	}
}

func TestRun_WhenStoppedMidStream_ShouldReturnStoppedWithPartialText(t *testing.T) {
	s := NewSession(&fakeBackend{events: deltas("a", "b", "c", "d", "e", "f"), delay: 5 * time.Millisecond})

	seen := 0
	res := run(t, s, func(delta string) {
		seen++
		if seen == 2 {
			s.Stop()
		}
	})
	if res.Phase != PhaseStopped {
		t.Fatalf("expected stopped, got %s (err %v)", res.Phase, res.Err)
	}
	if res.Err != nil {
		t.Errorf("stop is not an error, got %v", res.Err)
	}
	if len(res.Text) == 0 || len(res.Text) >= 6 {
		t.Errorf("expected partial text, got %q", res.Text)
	}
}

func TestRun_WhenStoppedBeforeStart_ShouldReturnStoppedEmpty(t *testing.T) {
	s := NewSession(&fakeBackend{events: deltas("never")})
	s.Stop()
	res := run(t, s, nil)
	if res.Phase != PhaseStopped {
		t.Fatalf("expected stopped, got %s", res.Phase)
	}
	if res.Text != "" {
		t.Errorf("expected empty text, got %q", res.Text)
	}
}

func TestRun_WhenReused_ShouldReturnStateError(t *testing.T) {
	s := NewSession(&fakeBackend{events: deltas("x")})
	run(t, s, nil)

	res := run(t, s, nil)
	if res.Phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", res.Phase)
	}
	var stateErr *domain.StateError
	if !errors.As(res.Err, &stateErr) {
		t.Errorf("expected StateError, got %v", res.Err)
	}
}

func TestStop_WhenAlreadyTerminal_ShouldBeIdempotent(t *testing.T) {
	s := NewSession(&fakeBackend{events: deltas("x")})
	run(t, s, nil)
	s.Stop()
	s.Stop()
	if s.Phase() != PhaseCompleted {
		t.Errorf("stop after completion must not change phase, got %s", s.Phase())
	}
}

func TestRun_ShouldReportStreamingPhaseDuringDeltas(t *testing.T) {
	s := NewSession(&fakeBackend{events: deltas("a", "b")})
	var during Phase
	run(t, s, func(delta string) { during = s.Phase() })
	if during != PhaseStreaming {
		t.Errorf("expected streaming phase during deltas, got %s", during)
	}
}

func TestRun_ShouldMeasureElapsedAndPeak(t *testing.T) {
	base := time.Unix(1000, 0)
	tick := 0
	now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 200 * time.Millisecond)
	}
	defer func() { now = time.Now }()

	events := append(deltas("a", "b", "c", "d"), domain.StreamEvent{Usage: &domain.Usage{CompletionTokens: 4}})
	s := NewSession(&fakeBackend{events: events})
	res := run(t, s, nil)
	if res.Metrics.Elapsed <= 0 {
		t.Errorf("expected positive elapsed, got %v", res.Metrics.Elapsed)
	}
	if res.Metrics.PeakTokensPerSec <= 0 {
		t.Errorf("expected positive peak rate, got %f", res.Metrics.PeakTokensPerSec)
	}
}
