package batch

import (
	"errors"
	"testing"
)

func TestContextStore_NotifiesSubscribersOnSet(t *testing.T) {
	s := NewContextStore()

	var got []any
	if err := s.subscribe("id", func(v any) error {
		got = append(got, v)
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := s.Set("id", 7); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected one synchronous notification with 7, got %v", got)
	}

	// Same value again does not re-notify.
	if err := s.Set("id", 7); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected no second notification, got %v", got)
	}
}

func TestContextStore_SubscribeAfterSetFiresImmediately(t *testing.T) {
	s := NewContextStore()
	if err := s.Set("id", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got any
	if err := s.subscribe("id", func(v any) error {
		got = v
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if got != "abc" {
		t.Errorf("expected immediate delivery of existing value, got %v", got)
	}
}

func TestContextStore_SubscriberErrorReturnedFromSet(t *testing.T) {
	s := NewContextStore()
	boom := errors.New("boom")
	_ = s.subscribe("id", func(v any) error { return boom })

	if err := s.Set("id", 1); !errors.Is(err, boom) {
		t.Errorf("expected subscriber error, got %v", err)
	}
}
