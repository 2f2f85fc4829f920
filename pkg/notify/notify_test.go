package notify

import (
	"errors"
	"fmt"
	"testing"
)

func TestBegin(t *testing.T) {
	n := New()
	if err := n.Begin("u1", "job1"); err != nil {
		t.Fatalf("Begin() err = %v; want nil", err)
	}
	if err := n.Begin("u1", "job2"); !errors.Is(err, ErrBusy) {
		t.Fatalf("Begin() err = %v; want ErrBusy", err)
	}
	if err := n.Begin("u2", "job3"); err != nil {
		t.Fatalf("Begin() other consumer err = %v; want nil", err)
	}

	n.Publish(Update{JobID: "job1", Status: "running", Message: "composing", Generating: true})
	got := n.Current("u1")
	if !got.Generating || got.JobID != "job1" || got.Message != "composing" {
		t.Fatalf("Current() = %+v; want generating job1 composing", got)
	}

	n.Publish(Update{JobID: "job1", Status: "completed", Message: "done"})
	got = n.Current("u1")
	if got.Generating || got.Message != "done" {
		t.Fatalf("Current() = %+v; want idle with done", got)
	}
	if err := n.Begin("u1", "job2"); err != nil {
		t.Fatalf("Begin() after completion err = %v; want nil", err)
	}
}

func TestRelease(t *testing.T) {
	n := New()
	if err := n.Begin("u1", "job1"); err != nil {
		t.Fatal(err)
	}
	n.Release("job1")
	if n.Current("u1").Generating {
		t.Fatal("Current().Generating = true after Release; want false")
	}
	if err := n.Begin("u1", "job2"); err != nil {
		t.Fatalf("Begin() err = %v; want nil", err)
	}
	// A late update of the old job doesn't touch the new slot.
	n.Publish(Update{JobID: "job1", Status: "failed"})
	if got := n.Current("u1"); !got.Generating || got.JobID != "job2" {
		t.Fatalf("Current() = %+v; want job2 generating", got)
	}
}

func TestSubscribeOrder(t *testing.T) {
	n := New()
	sub := n.Subscribe("job1")
	defer sub.Close()
	other := n.Subscribe("job2")
	defer other.Close()

	statuses := []string{"pending", "submitted", "running", "completed"}
	for i, st := range statuses {
		n.Publish(Update{JobID: "job1", Status: st, Generating: i < len(statuses)-1})
	}
	for _, want := range statuses {
		u := <-sub.C
		if u.Status != want {
			t.Fatalf("update = %s; want %s", u.Status, want)
		}
	}
	select {
	case u := <-other.C:
		t.Fatalf("job2 subscriber got %+v; want nothing", u)
	default:
	}
}

func TestSlowSubscriberGetsTerminal(t *testing.T) {
	n := New()
	sub := n.Subscribe("job1")
	defer sub.Close()

	for i := 0; i < bufferSize*3; i++ {
		n.Publish(Update{JobID: "job1", Status: "running", Message: fmt.Sprint(i), Generating: true})
	}
	n.Publish(Update{JobID: "job1", Status: "completed"})

	var last Update
	prev := -1
	for len(sub.C) > 0 {
		last = <-sub.C
		if last.Status == "running" {
			var i int
			if _, err := fmt.Sscan(last.Message, &i); err != nil {
				t.Fatal(err)
			}
			if i <= prev {
				t.Fatalf("update %d after %d; want increasing", i, prev)
			}
			prev = i
		}
	}
	if last.Status != "completed" {
		t.Fatalf("last update = %s; want completed", last.Status)
	}
}

func TestSubscribeReplaysLast(t *testing.T) {
	n := New()
	n.Publish(Update{JobID: "job1", Status: "running", Generating: true})
	sub := n.Subscribe("job1")
	defer sub.Close()
	u := <-sub.C
	if u.Status != "running" {
		t.Fatalf("first update = %s; want running", u.Status)
	}
	if last, ok := n.Last("job1"); !ok || last.Status != "running" {
		t.Fatalf("Last() = %+v, %v; want running", last, ok)
	}

	all := n.SubscribeAll()
	n.Publish(Update{JobID: "job9", Status: "pending", Generating: true})
	if u := <-all.C; u.JobID != "job9" {
		t.Fatalf("SubscribeAll got %s; want job9", u.JobID)
	}
	all.Close()
	if _, ok := <-all.C; ok {
		t.Fatal("channel open after Close; want closed")
	}
	all.Close()
}
