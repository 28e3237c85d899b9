package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func openHub(t *testing.T, ids ...string) *Hub {
	t.Helper()
	h := NewHub()
	for _, id := range ids {
		if err := h.Open(id); err != nil {
			t.Fatalf("Open(%q) error = %v", id, err)
		}
	}
	return h
}

func TestHubPublishDeliversInRegistrationOrder(t *testing.T) {
	h := openHub(t, "turn-1")
	var got []string
	for _, name := range []string{"a", "b", "c"} {
		if _, err := h.Subscribe("turn-1", func(u Update) {
			got = append(got, name+":"+u.Text)
		}); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	if err := h.Publish("turn-1", "hi"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if diff := cmp.Diff([]string{"a:hi", "b:hi", "c:hi"}, got); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestHubLateSubscriberReceivesLatest(t *testing.T) {
	h := openHub(t, "turn-1")
	_ = h.Publish("turn-1", "a")
	_ = h.Publish("turn-1", "ab")

	var got []string
	if _, err := h.Subscribe("turn-1", func(u Update) { got = append(got, u.Text) }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if diff := cmp.Diff([]string{"ab"}, got); diff != "" {
		t.Fatalf("catch-up mismatch (-want +got):\n%s", diff)
	}

	_ = h.Publish("turn-1", "abc")
	if diff := cmp.Diff([]string{"ab", "abc"}, got); diff != "" {
		t.Fatalf("live mismatch (-want +got):\n%s", diff)
	}
}

func TestHubSubscribeBeforeAnyPublishGetsNothing(t *testing.T) {
	h := openHub(t, "turn-1")
	calls := 0
	if _, err := h.Subscribe("turn-1", func(Update) { calls++ }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}

func TestHubUnsubscribeSelfDuringDelivery(t *testing.T) {
	h := openHub(t, "turn-1")
	var got []string
	if _, err := h.Subscribe("turn-1", func(u Update) { got = append(got, "a:"+u.Text) }); err != nil {
		t.Fatal(err)
	}
	var unsubB func()
	unsubB, err := h.Subscribe("turn-1", func(u Update) {
		got = append(got, "b:"+u.Text)
		unsubB()
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Subscribe("turn-1", func(u Update) { got = append(got, "c:"+u.Text) }); err != nil {
		t.Fatal(err)
	}

	_ = h.Publish("turn-1", "x")
	_ = h.Publish("turn-1", "xy")

	want := []string{"a:x", "b:x", "c:x", "a:xy", "c:xy"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
	if n := h.SubscriberCount("turn-1"); n != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", n)
	}
}

func TestHubSubscribeDuringDeliveryIsNotDoubleDelivered(t *testing.T) {
	h := openHub(t, "turn-1")
	var late []string
	var added bool
	if _, err := h.Subscribe("turn-1", func(u Update) {
		if added {
			return
		}
		added = true
		if _, err := h.Subscribe("turn-1", func(u Update) { late = append(late, u.Text) }); err != nil {
			t.Errorf("nested Subscribe() error = %v", err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	_ = h.Publish("turn-1", "one")
	_ = h.Publish("turn-1", "one two")
	if diff := cmp.Diff([]string{"one", "one two"}, late); diff != "" {
		t.Fatalf("late subscriber mismatch (-want +got):\n%s", diff)
	}
}

func TestHubEndNotifiesAndReleases(t *testing.T) {
	h := openHub(t, "turn-1")
	var last Update
	if _, err := h.Subscribe("turn-1", func(u Update) { last = u }); err != nil {
		t.Fatal(err)
	}
	_ = h.Publish("turn-1", "done text")
	if err := h.End("turn-1", StateCompleted, nil); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if !last.Done || last.State != StateCompleted || last.Text != "done text" {
		t.Fatalf("terminal update = %+v", last)
	}
	if _, ok := h.Latest("turn-1"); ok {
		t.Fatalf("Latest() ok after End, want released")
	}
	if err := h.Publish("turn-1", "more"); !errors.Is(err, ErrSubscriptionMisuse) {
		t.Fatalf("Publish after End error = %v, want ErrSubscriptionMisuse", err)
	}
}

func TestHubUnknownStreamIsMisuse(t *testing.T) {
	h := NewHub()
	_, err := h.Subscribe("nope", func(Update) {})
	var misuse *SubscriptionMisuse
	if !errors.As(err, &misuse) {
		t.Fatalf("Subscribe() error = %v, want *SubscriptionMisuse", err)
	}
	if misuse.Op != "subscribe" || misuse.StreamID != "nope" {
		t.Fatalf("misuse = %+v", misuse)
	}
	if err := h.Publish("nope", "x"); !errors.Is(err, ErrSubscriptionMisuse) {
		t.Fatalf("Publish() error = %v, want ErrSubscriptionMisuse", err)
	}
	if err := h.End("nope", StateCompleted, nil); !errors.Is(err, ErrSubscriptionMisuse) {
		t.Fatalf("End() error = %v, want ErrSubscriptionMisuse", err)
	}
}

func TestHubOpenTwiceFails(t *testing.T) {
	h := openHub(t, "turn-1")
	if err := h.Open("turn-1"); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("Open() error = %v, want ErrStreamExists", err)
	}
}

func TestHubPanickingSubscriberIsDetached(t *testing.T) {
	h := openHub(t, "turn-1")
	if _, err := h.Subscribe("turn-1", func(Update) { panic("bad surface") }); err != nil {
		t.Fatal(err)
	}
	var got []string
	if _, err := h.Subscribe("turn-1", func(u Update) { got = append(got, u.Text) }); err != nil {
		t.Fatal(err)
	}
	var fault *SubscriberFault
	if err := h.Publish("turn-1", "a"); !errors.As(err, &fault) || fault.StreamID != "turn-1" || fault.Seq != 1 {
		t.Fatalf("Publish() error = %v, want subscriber fault at seq 1", err)
	}
	if err := h.Publish("turn-1", "ab"); err != nil {
		t.Fatalf("Publish() after detach error = %v", err)
	}
	if diff := cmp.Diff([]string{"a", "ab"}, got); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
	if n := h.SubscriberCount("turn-1"); n != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", n)
	}
}

func TestHubLateSubscriberPanicIsReported(t *testing.T) {
	h := openHub(t, "turn-1")
	if err := h.Publish("turn-1", "a"); err != nil {
		t.Fatal(err)
	}
	unsubscribe, err := h.Subscribe("turn-1", func(Update) { panic("bad surface") })
	var fault *SubscriberFault
	if !errors.As(err, &fault) || unsubscribe != nil {
		t.Fatalf("Subscribe() = %v, %v; want subscriber fault", unsubscribe != nil, err)
	}
	if n := h.SubscriberCount("turn-1"); n != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", n)
	}
}

func TestHubWatchSeesNewStreams(t *testing.T) {
	h := NewHub()
	var opened []string
	unwatch := h.Watch(func(id string) { opened = append(opened, id) })
	_ = h.Open("t1")
	_ = h.Open("t2")
	unwatch()
	_ = h.Open("t3")
	if diff := cmp.Diff([]string{"t1", "t2"}, opened); diff != "" {
		t.Fatalf("watch mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, h.Streams()); diff != "" {
		t.Fatalf("Streams() mismatch (-want +got):\n%s", diff)
	}
}

func TestHubCloseCancelsOpenStreams(t *testing.T) {
	h := openHub(t, "t1", "t2")
	var ends []Update
	for _, id := range []string{"t1", "t2"} {
		if _, err := h.Subscribe(id, func(u Update) {
			if u.Done {
				ends = append(ends, u)
			}
		}); err != nil {
			t.Fatal(err)
		}
	}
	h.Close()
	if len(ends) != 2 {
		t.Fatalf("terminal updates = %d, want 2", len(ends))
	}
	for _, u := range ends {
		if u.State != StateCancelled || !errors.Is(u.Err, ErrHubClosed) {
			t.Fatalf("terminal update = %+v", u)
		}
	}
	if err := h.Open("t3"); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Open() after Close error = %v, want ErrHubClosed", err)
	}
	if _, err := h.Subscribe("t1", func(Update) {}); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Subscribe() after Close error = %v, want ErrHubClosed", err)
	}
}

func TestHubPublishRacingCloseReportsHubClosed(t *testing.T) {
	h := openHub(t, "t1")
	entered := make(chan struct{})
	release := make(chan struct{})
	if _, err := h.Subscribe("t1", func(u Update) {
		if u.Done {
			close(entered)
			<-release
		}
	}); err != nil {
		t.Fatal(err)
	}

	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()
	<-entered

	errs := make(chan error, 2)
	go func() { errs <- h.Publish("t1", "late") }()
	go func() { errs <- h.End("t1", StateCompleted, nil) }()
	close(release)
	<-closed

	for range 2 {
		if err := <-errs; !errors.Is(err, ErrHubClosed) {
			t.Fatalf("Publish/End during Close error = %v, want ErrHubClosed", err)
		}
	}
}

func TestHubConcurrentStreamsKeepPerStreamOrder(t *testing.T) {
	const streams = 8
	const steps = 50
	h := NewHub()

	var mu sync.Mutex
	seen := make(map[string][]string)
	for i := 0; i < streams; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := h.Open(id); err != nil {
			t.Fatal(err)
		}
		for j := 0; j < 3; j++ {
			if _, err := h.Subscribe(id, func(u Update) {
				if u.Done {
					return
				}
				mu.Lock()
				seen[id] = append(seen[id], u.Text)
				mu.Unlock()
			}); err != nil {
				t.Fatal(err)
			}
		}
	}

	var g errgroup.Group
	for i := 0; i < streams; i++ {
		id := fmt.Sprintf("s%d", i)
		g.Go(func() error {
			text := ""
			for j := 0; j < steps; j++ {
				text += "x"
				if err := h.Publish(id, text); err != nil {
					return err
				}
			}
			return h.End(id, StateCompleted, nil)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("publish error = %v", err)
	}

	for id, texts := range seen {
		if len(texts) != 3*steps {
			t.Fatalf("%s deliveries = %d, want %d", id, len(texts), 3*steps)
		}
	}
}

func TestHubDeliveryHookCountsSubscribers(t *testing.T) {
	var counts []int
	h := NewHub(WithDeliveryHook(func(n int, _ time.Duration) { counts = append(counts, n) }))
	_ = h.Open("t1")
	_, _ = h.Subscribe("t1", func(Update) {})
	_, _ = h.Subscribe("t1", func(Update) {})
	_ = h.Publish("t1", "a")
	_ = h.End("t1", StateCompleted, nil)
	if diff := cmp.Diff([]int{2, 2}, counts); diff != "" {
		t.Fatalf("hook counts mismatch (-want +got):\n%s", diff)
	}
}
