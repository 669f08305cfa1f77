// SPDX-License-Identifier: MIT
package device

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestPlatform() *Memory {
	m := NewMemory()
	m.Add(Ref{UID: "loop", Name: "BlackHole 2ch", InputChannels: 2, OutputChannels: 2})
	m.Add(Ref{UID: "phones", Name: "External Headphones", OutputChannels: 2})
	m.Add(Ref{UID: "mic", Name: "USB Mic", InputChannels: 1})
	m.DeclareAggregate("agg", "HRIR Aggregate", "loop", "phones")
	m.SetDefaults("mic", "phones")
	return m
}

// chanDispatcher records posted functions so tests can run them explicitly,
// standing in for the control thread.
type chanDispatcher struct {
	ch chan func()
}

func (d *chanDispatcher) Post(fn func()) error {
	d.ch <- fn
	return nil
}

func TestCatalogRefreshAndLookup(t *testing.T) {
	p := newTestPlatform()
	c := NewCatalog(p, Inline{})
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if got := len(c.Devices()); got != 4 {
		t.Errorf("Devices() = %d, want 4", got)
	}
	if got := len(c.Inputs()); got != 3 {
		t.Errorf("Inputs() = %d, want 3 (loop, mic, aggregate)", got)
	}
	if got := len(c.Aggregates()); got != 1 {
		t.Fatalf("Aggregates() = %d, want 1", got)
	}

	agg := c.Aggregates()[0]
	if agg.OutputChannels != 4 || agg.InputChannels != 2 {
		t.Errorf("aggregate channels = in:%d out:%d, want in:2 out:4", agg.InputChannels, agg.OutputChannels)
	}

	members, err := c.Members(agg)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 2 || members[0] != "loop" || members[1] != "phones" {
		t.Errorf("Members = %v", members)
	}

	in, out := c.Defaults()
	if in.UID != "mic" || out.UID != "phones" {
		t.Errorf("Defaults = %s/%s, want mic/phones", in.UID, out.UID)
	}
}

func TestCatalogByUIDAfterDisconnect(t *testing.T) {
	p := newTestPlatform()
	c := NewCatalog(p, Inline{})
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	before, err := c.ByUID("phones")
	if err != nil {
		t.Fatalf("ByUID: %v", err)
	}

	p.Unplug("phones")
	_ = c.Refresh()
	if _, err := c.ByUID("phones"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ByUID after unplug = %v, want ErrDeviceNotFound", err)
	}

	p.Plug("phones")
	_ = c.Refresh()
	after, err := c.ByUID("phones")
	if err != nil {
		t.Fatalf("ByUID after replug: %v", err)
	}
	if after.Handle == before.Handle {
		t.Error("replugged device kept its handle; handles must be treated as ephemeral")
	}
	if after.UID != before.UID {
		t.Error("UID changed across reconnection")
	}
}

func TestCatalogRefreshIsIdempotent(t *testing.T) {
	p := newTestPlatform()
	c := NewCatalog(p, Inline{})
	for i := 0; i < 3; i++ {
		if err := c.Refresh(); err != nil {
			t.Fatalf("Refresh #%d: %v", i, err)
		}
	}
	if got := len(c.Devices()); got != 4 {
		t.Errorf("Devices() = %d after repeated refresh, want 4", got)
	}
}

func TestCatalogRefreshError(t *testing.T) {
	p := newTestPlatform()
	c := NewCatalog(p, Inline{})
	_ = c.Refresh()

	p.SetFailure(errors.New("hal offline"))
	if err := c.Refresh(); err == nil {
		t.Fatal("expected refresh error")
	}
	// Previous snapshot stays published.
	if got := len(c.Devices()); got != 4 {
		t.Errorf("Devices() = %d after failed refresh, want 4", got)
	}
}

func TestCatalogNotificationsAreMarshalled(t *testing.T) {
	p := newTestPlatform()
	d := &chanDispatcher{ch: make(chan func(), 8)}
	c := NewCatalog(p, d)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	var (
		mu    sync.Mutex
		calls int
	)
	unsubscribe := c.Subscribe(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	p.Unplug("phones")

	var fn func()
	select {
	case fn = <-d.ch:
	case <-time.After(time.Second):
		t.Fatal("notification was not posted to the dispatcher")
	}

	mu.Lock()
	if calls != 0 {
		t.Error("subscriber ran before the control thread executed the posted work")
	}
	mu.Unlock()

	fn()

	mu.Lock()
	if calls != 1 {
		t.Errorf("subscriber calls = %d, want 1", calls)
	}
	mu.Unlock()
	if _, err := c.ByUID("phones"); err == nil {
		t.Error("catalog not refreshed before subscribers ran")
	}

	unsubscribe()
	p.Plug("phones")
	fn = <-d.ch
	fn()
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("unsubscribed callback still ran, calls = %d", calls)
	}
}
