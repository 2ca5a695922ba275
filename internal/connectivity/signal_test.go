package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maneesh/audioshelf/internal/logging"
)

func TestSignalNotifiesOnTransitionOnly(t *testing.T) {
	s := NewSignal(true)
	ch, cancel := s.Subscribe()
	defer cancel()

	if s.Set(true) {
		t.Fatal("no transition expected")
	}
	select {
	case v := <-ch:
		t.Fatalf("unexpected notification %v", v)
	default:
	}

	if !s.Set(false) {
		t.Fatal("transition expected")
	}
	if v := <-ch; v {
		t.Fatal("expected offline notification")
	}
}

func TestSignalKeepsLatestForSlowReader(t *testing.T) {
	s := NewSignal(true)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Set(false)
	s.Set(true)
	s.Set(false)

	if v := <-ch; v {
		t.Fatal("expected the latest state (offline)")
	}
	select {
	case v := <-ch:
		t.Fatalf("stale value delivered: %v", v)
	default:
	}
}

func TestSignalOverride(t *testing.T) {
	s := NewSignal(true)
	off := false
	if !s.Override(&off) {
		t.Fatal("override should change state")
	}
	if s.Online() || !s.Forced() {
		t.Fatal("expected forced offline")
	}
	s.Set(true)
	if s.Online() {
		t.Fatal("observation must not beat override")
	}
	s.Override(nil)
	if !s.Online() {
		t.Fatal("expected observed state after clearing override")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	s := NewSignal(true)
	ch, cancel := s.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	s.Set(false)
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context, string) error { return f.err }

func TestProberCheckUpdatesSignal(t *testing.T) {
	s := NewSignal(true)
	pinger := &fakePinger{err: errors.New("connection refused")}
	p := NewProber(s, pinger, "/health", time.Second, logging.Null())

	if p.Check(context.Background()) {
		t.Fatal("expected offline")
	}
	if s.Online() {
		t.Fatal("signal not updated")
	}
	pinger.err = nil
	if !p.Check(context.Background()) || !s.Online() {
		t.Fatal("expected online after successful ping")
	}
}
