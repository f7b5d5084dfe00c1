package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegister_FirstConnection(t *testing.T) {
	r := NewRegistry()

	first, online := r.Register("u1", "c1")
	if !first {
		t.Error("expected first=true for the user's first connection")
	}
	if len(online) != 0 {
		t.Errorf("expected empty online snapshot, got %v", online)
	}
	if !r.IsOnline("u1") {
		t.Error("expected u1 to be online after Register")
	}
}

func TestRegister_SecondConnectionNotFirst(t *testing.T) {
	r := NewRegistry()

	r.Register("u1", "c1")
	first, _ := r.Register("u1", "c2")
	if first {
		t.Error("expected first=false for a second connection of the same user")
	}
}

func TestRegister_SnapshotExcludesSelf(t *testing.T) {
	r := NewRegistry()

	r.Register("u1", "c1")
	r.Register("u2", "c2")
	_, online := r.Register("u3", "c3")

	if len(online) != 2 {
		t.Fatalf("expected 2 online users, got %v", online)
	}
	if online[0] != "u1" || online[1] != "u2" {
		t.Errorf("expected sorted snapshot [u1 u2], got %v", online)
	}
}

// Registering two connections for a user and unregistering one must not mark
// the user offline; only removing the last one does.
func TestUnregister_LastConnectionOnly(t *testing.T) {
	r := NewRegistry()

	r.Register("u1", "c1")
	r.Register("u1", "c2")

	if last := r.Unregister("u1", "c1"); last {
		t.Error("expected last=false while a second connection remains")
	}
	if !r.IsOnline("u1") {
		t.Error("expected u1 to still be online")
	}

	if last := r.Unregister("u1", "c2"); !last {
		t.Error("expected last=true when removing the final connection")
	}
	if r.IsOnline("u1") {
		t.Error("expected u1 to be offline after last unregister")
	}
}

func TestUnregister_UnknownPairs(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", "c1")

	if last := r.Unregister("u2", "c1"); last {
		t.Error("expected last=false for unknown user")
	}
	if last := r.Unregister("u1", "cX"); last {
		t.Error("expected last=false for unknown connection")
	}
	// Double unregister of the same connection is a no-op the second time.
	if last := r.Unregister("u1", "c1"); !last {
		t.Error("expected last=true on first removal")
	}
	if last := r.Unregister("u1", "c1"); last {
		t.Error("expected last=false on repeated removal")
	}
}

// IsOnline must agree with the register/unregister history at every point in
// the sequence.
func TestPresenceConsistency(t *testing.T) {
	r := NewRegistry()

	steps := []struct {
		register bool
		connID   string
		online   bool // expected IsOnline("u1") after the step
	}{
		{true, "c1", true},
		{true, "c2", true},
		{false, "c1", true},
		{true, "c3", true},
		{false, "c2", true},
		{false, "c3", false},
		{true, "c4", true},
		{false, "c4", false},
	}

	for i, s := range steps {
		if s.register {
			r.Register("u1", s.connID)
		} else {
			r.Unregister("u1", s.connID)
		}
		if got := r.IsOnline("u1"); got != s.online {
			t.Fatalf("step %d: IsOnline=%v, want %v", i, got, s.online)
		}
	}
}

func TestOnlineAndCount(t *testing.T) {
	r := NewRegistry()

	r.Register("u2", "c2")
	r.Register("u1", "c1")
	r.Register("u1", "c3")

	online := r.Online()
	if len(online) != 2 || online[0] != "u1" || online[1] != "u2" {
		t.Errorf("expected sorted [u1 u2], got %v", online)
	}
	if r.Count() != 2 {
		t.Errorf("expected Count=2, got %d", r.Count())
	}

	conns := r.Connections("u1")
	if len(conns) != 2 {
		t.Errorf("expected 2 connections for u1, got %v", conns)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	users := 10
	connsPerUser := 50

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for c := 0; c < connsPerUser; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				userID := fmt.Sprintf("u%d", u)
				connID := fmt.Sprintf("c%d-%d", u, c)
				r.Register(userID, connID)
				_ = r.IsOnline(userID)
				r.Unregister(userID, connID)
			}(u, c)
		}
	}
	wg.Wait()

	if n := r.Count(); n != 0 {
		t.Errorf("expected empty registry after balanced ops, got %d users online", n)
	}
}

// Exactly one Register across concurrent connections of the same user must
// report first=true, and exactly one Unregister must report last=true.
func TestSingleOnlineOfflineTransition(t *testing.T) {
	r := NewRegistry()
	conns := 64

	var wg sync.WaitGroup
	firsts := make(chan bool, conns)
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			first, _ := r.Register("u1", fmt.Sprintf("c%d", c))
			firsts <- first
		}(c)
	}
	wg.Wait()
	close(firsts)

	firstCount := 0
	for f := range firsts {
		if f {
			firstCount++
		}
	}
	if firstCount != 1 {
		t.Errorf("expected exactly 1 first=true, got %d", firstCount)
	}

	lasts := make(chan bool, conns)
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			lasts <- r.Unregister("u1", fmt.Sprintf("c%d", c))
		}(c)
	}
	wg.Wait()
	close(lasts)

	lastCount := 0
	for l := range lasts {
		if l {
			lastCount++
		}
	}
	if lastCount != 1 {
		t.Errorf("expected exactly 1 last=true, got %d", lastCount)
	}
}
