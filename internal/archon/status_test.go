package archon

import (
	"testing"
	"time"
)

func TestStatusStreamSubscribeSeedsCurrentValue(t *testing.T) {
	s := newStatusStream(StatusReading)
	ch, cancel := s.subscribe()
	defer cancel()

	select {
	case v := <-ch:
		if v != StatusReading {
			t.Fatalf("seeded value = %v, want StatusReading", v)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe did not seed the current value")
	}
}

func TestStatusStreamSetIsNoOpWhenUnchanged(t *testing.T) {
	s := newStatusStream(StatusIdle)
	ch, cancel := s.subscribe()
	defer cancel()
	<-ch // seeded current value

	s.set(StatusIdle)
	select {
	case v := <-ch:
		t.Fatalf("unexpected notification %v for a no-op set", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStatusStreamBroadcastsChange(t *testing.T) {
	s := newStatusStream(StatusIdle)
	ch, cancel := s.subscribe()
	defer cancel()
	<-ch // seeded current value

	s.set(StatusExposing)
	select {
	case v := <-ch:
		if v != StatusExposing {
			t.Fatalf("got %v, want StatusExposing", v)
		}
	case <-time.After(time.Second):
		t.Fatal("did not observe status change")
	}
	if s.get() != StatusExposing {
		t.Fatalf("get() = %v, want StatusExposing", s.get())
	}
}

func TestStatusStreamCoalescesSlowSubscriber(t *testing.T) {
	s := newStatusStream(StatusIdle)
	ch, cancel := s.subscribe()
	defer cancel()

	s.set(StatusExposing)
	s.set(StatusReading)
	s.set(StatusFetching)

	select {
	case v := <-ch:
		if v != StatusFetching {
			t.Fatalf("got %v, want the latest value StatusFetching", v)
		}
	case <-time.After(time.Second):
		t.Fatal("did not observe any status change")
	}

	select {
	case v := <-ch:
		t.Fatalf("unexpected second queued value %v; coalescing should have dropped intermediates", v)
	default:
	}
}

func TestStatusStreamCancelClosesChannel(t *testing.T) {
	s := newStatusStream(StatusIdle)
	ch, cancel := s.subscribe()
	<-ch // seeded current value
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestDeviceSetStatusEnforcesErrorStickiness(t *testing.T) {
	d := &Device{status: newStatusStream(StatusIdle)}
	d.setStatus(StatusError)
	d.setStatus(StatusExposing)
	if d.Status() != StatusError {
		t.Fatalf("status = %v, want sticky ERROR", d.Status())
	}

	d.setStatus(StatusIdle)
	if d.Status() != StatusIdle {
		t.Fatalf("status = %v, want IDLE after explicit reset transition", d.Status())
	}
}
