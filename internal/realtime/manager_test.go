package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/resilience"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel fails the first failN subscribes, then succeeds.
type fakeChannel struct {
	name string

	mu           sync.Mutex
	failN        int
	subscribes   int
	unsubscribes int
}

func (f *fakeChannel) Name() string                              { return f.name }
func (f *fakeChannel) OnChange(string, func(domain.ChangeEvent)) {}
func (f *fakeChannel) OnBroadcast(string, func(json.RawMessage)) {}
func (f *fakeChannel) OnPresence(func(domain.PresenceEvent))     {}
func (f *fakeChannel) Send(context.Context, string, any) error   { return nil }
func (f *fakeChannel) Track(context.Context, any) error          { return nil }
func (f *fakeChannel) Untrack(context.Context) error             { return nil }

func (f *fakeChannel) Subscribe(onStatus func(domain.ChannelStatus, error)) {
	f.mu.Lock()
	f.subscribes++
	fail := f.subscribes <= f.failN
	f.mu.Unlock()

	onStatus(domain.StatusSubscribing, nil)
	if fail {
		onStatus(domain.StatusErrored, errors.New("join refused"))
		return
	}
	onStatus(domain.StatusSubscribed, nil)
}

func (f *fakeChannel) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
	return nil
}

func (f *fakeChannel) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.unsubscribes
}

type fakeTransport struct {
	mu       sync.Mutex
	failN    int
	opened   map[string]*fakeChannel
	openings int
}

func newFakeTransport(failN int) *fakeTransport {
	return &fakeTransport{failN: failN, opened: make(map[string]*fakeChannel)}
}

func (t *fakeTransport) Channel(name string) domain.TransportChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openings++
	ch := &fakeChannel{name: name, failN: t.failN}
	t.opened[name] = ch
	return ch
}

func (t *fakeTransport) get(name string) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[name]
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestManager(tr domain.Transport, attempts int) *Manager {
	return NewManager(Config{
		Transport:           tr,
		Policy:              fastPolicy(),
		ResubscribeAttempts: attempts,
		Logger:              testLogger(),
	})
}

// --- Acquire / Release ---

func TestAcquire_ReusesChannel(t *testing.T) {
	tr := newFakeTransport(0)
	m := newTestManager(tr, 0)
	defer m.Close()

	a, err := m.Acquire("c1")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Acquire("c1")
	if a != b {
		t.Fatal("expected same channel for same conversation")
	}
	if tr.openings != 1 {
		t.Fatalf("expected one transport channel, got %d", tr.openings)
	}
	if m.Refs("c1") != 2 {
		t.Fatalf("expected 2 refs, got %d", m.Refs("c1"))
	}
	if tr.get("conversation:c1") == nil {
		t.Fatal("expected channel named conversation:c1")
	}
}

func TestAcquire_DoesNotSubscribe(t *testing.T) {
	tr := newFakeTransport(0)
	m := newTestManager(tr, 0)
	defer m.Close()

	ch, _ := m.Acquire("c1")
	if ch.Status() != domain.StatusUnsubscribed {
		t.Fatalf("expected unsubscribed, got %s", ch.Status())
	}
	if subs, _ := tr.get("conversation:c1").counts(); subs != 0 {
		t.Fatalf("acquire should not subscribe, got %d subscribes", subs)
	}
}

func TestRelease_LastReferenceTearsDown(t *testing.T) {
	tr := newFakeTransport(0)
	m := newTestManager(tr, 0)
	defer m.Close()

	ch, _ := m.Acquire("c1")
	m.Acquire("c1")
	ch.Subscribe(context.Background())

	m.Release("c1")
	if _, unsubs := tr.get("conversation:c1").counts(); unsubs != 0 {
		t.Fatal("first release should keep the channel")
	}
	m.Release("c1")
	if _, unsubs := tr.get("conversation:c1").counts(); unsubs != 1 {
		t.Fatalf("expected 1 unsubscribe, got %d", unsubs)
	}
	if _, ok := m.Get("c1"); ok {
		t.Fatal("expected registry entry removed")
	}
	if ch.Status() != domain.StatusUnsubscribed {
		t.Fatalf("expected unsubscribed, got %s", ch.Status())
	}
	if err := ch.Subscribe(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on released channel, got %v", err)
	}
}

func TestRelease_UnknownIsNoop(t *testing.T) {
	m := newTestManager(newFakeTransport(0), 0)
	defer m.Close()
	m.Release("missing")
	if len(m.Conversations()) != 0 {
		t.Fatal("expected no channels")
	}
}

func TestAcquire_AfterReleaseOpensFresh(t *testing.T) {
	tr := newFakeTransport(0)
	m := newTestManager(tr, 0)
	defer m.Close()

	first, _ := m.Acquire("c1")
	m.Release("c1")
	second, _ := m.Acquire("c1")
	if first == second {
		t.Fatal("expected a new channel after full release")
	}
	if tr.openings != 2 {
		t.Fatalf("expected 2 openings, got %d", tr.openings)
	}
}

func TestClose_ReleasesEverything(t *testing.T) {
	tr := newFakeTransport(0)
	m := newTestManager(tr, 0)
	m.Acquire("c1")
	m.Acquire("c2")
	m.Close()

	for _, name := range []string{"conversation:c1", "conversation:c2"} {
		if _, unsubs := tr.get(name).counts(); unsubs != 1 {
			t.Fatalf("%s: expected 1 unsubscribe, got %d", name, unsubs)
		}
	}
	if _, err := m.Acquire("c3"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// --- Subscribe ---

func TestSubscribe_ReportsStatuses(t *testing.T) {
	m := newTestManager(newFakeTransport(0), 0)
	defer m.Close()

	ch, _ := m.Acquire("c1")
	var seen []domain.ChannelStatus
	ch.OnStatus(func(s domain.ChannelStatus) { seen = append(seen, s) })
	if err := ch.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[1] != domain.StatusSubscribed {
		t.Fatalf("unexpected statuses: %v", seen)
	}
}

func TestSubscribe_FailureSurfacesSubscriptionError(t *testing.T) {
	m := newTestManager(newFakeTransport(1), 0)
	defer m.Close()

	ch, _ := m.Acquire("c1")
	var got error
	ch.OnError(func(err error) { got = err })
	ch.Subscribe(context.Background())

	var se *domain.SubscriptionError
	if !errors.As(got, &se) {
		t.Fatalf("expected SubscriptionError, got %v", got)
	}
	if se.Channel != "conversation:c1" {
		t.Fatalf("unexpected channel %q", se.Channel)
	}
	if ch.Status() != domain.StatusErrored {
		t.Fatalf("expected errored, got %s", ch.Status())
	}
}

func TestSubscribe_ResubscribesUntilSuccess(t *testing.T) {
	tr := newFakeTransport(2)
	m := newTestManager(tr, 3)
	defer m.Close()

	ch, _ := m.Acquire("c1")
	var mu sync.Mutex
	errs := 0
	ch.OnError(func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	})
	ch.Subscribe(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for ch.Status() != domain.StatusSubscribed && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if ch.Status() != domain.StatusSubscribed {
		t.Fatalf("expected subscribed after retries, got %s", ch.Status())
	}
	if subs, _ := tr.get("conversation:c1").counts(); subs != 3 {
		t.Fatalf("expected 3 subscribe attempts, got %d", subs)
	}
	mu.Lock()
	defer mu.Unlock()
	if errs != 2 {
		t.Fatalf("expected 2 errors reported, got %d", errs)
	}
}

func TestSubscribe_ResubscribeBounded(t *testing.T) {
	tr := newFakeTransport(100)
	m := newTestManager(tr, 2)
	defer m.Close()

	ch, _ := m.Acquire("c1")
	ch.Subscribe(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if subs, _ := tr.get("conversation:c1").counts(); subs == 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if subs, _ := tr.get("conversation:c1").counts(); subs != 3 {
		t.Fatalf("expected 1 subscribe + 2 resubscribes, got %d", subs)
	}
	if ch.Status() != domain.StatusErrored {
		t.Fatalf("expected errored, got %s", ch.Status())
	}
}

func TestSubscribe_CancelledContextStopsResubscribe(t *testing.T) {
	tr := newFakeTransport(100)
	m := newTestManager(tr, 5)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, _ := m.Acquire("c1")
	ch.Subscribe(ctx)

	time.Sleep(30 * time.Millisecond)
	if subs, _ := tr.get("conversation:c1").counts(); subs != 1 {
		t.Fatalf("expected no resubscribe with cancelled context, got %d subscribes", subs)
	}
}
