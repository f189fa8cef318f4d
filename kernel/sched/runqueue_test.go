package sched

import "testing"

func TestRunQueueFIFO(t *testing.T) {
	q := newRunQueue()
	if !q.empty() {
		t.Fatal("expected a fresh queue to be empty")
	}
	if q.popFront() != nil {
		t.Fatal("expected popFront on an empty queue to return nil")
	}

	t1 := &Thread{TID: 1}
	t2 := &Thread{TID: 2}
	t3 := &Thread{TID: 3}
	q.pushBack(t1)
	q.pushBack(t2)
	q.pushBack(t3)

	for _, want := range []*Thread{t1, t2, t3} {
		got := q.popFront()
		if got != want {
			t.Fatalf("expected tid %d; got tid %d", want.TID, got.TID)
		}
	}
	if !q.empty() {
		t.Fatal("expected queue to be empty after draining")
	}
}

func TestRunQueueRemoveMiddle(t *testing.T) {
	q := newRunQueue()
	t1 := &Thread{TID: 1}
	t2 := &Thread{TID: 2}
	t3 := &Thread{TID: 3}
	q.pushBack(t1)
	q.pushBack(t2)
	q.pushBack(t3)

	q.remove(t2)

	if got := q.popFront(); got != t1 {
		t.Fatalf("expected tid 1; got tid %d", got.TID)
	}
	if got := q.popFront(); got != t3 {
		t.Fatalf("expected tid 3; got tid %d", got.TID)
	}
	if !q.empty() {
		t.Fatal("expected queue to be empty")
	}

	// A removed thread can be requeued.
	q.pushBack(t2)
	if got := q.popFront(); got != t2 {
		t.Fatalf("expected tid 2; got tid %d", got.TID)
	}
}

// TestSleepingListWakeOrder checks that three sleepers
// inserted with deadlines 30/10/20 wake in deadline order (T2, T3, T1),
// regardless of insertion order.
func TestSleepingListWakeOrder(t *testing.T) {
	l := newSleepingList()
	t1 := &Thread{TID: 1, WakeTSC: 30}
	t2 := &Thread{TID: 2, WakeTSC: 10}
	t3 := &Thread{TID: 3, WakeTSC: 20}
	l.insert(t1)
	l.insert(t2)
	l.insert(t3)

	due := l.wakeDue(5)
	if len(due) != 0 {
		t.Fatalf("expected no sleepers due at 5; got %d", len(due))
	}

	due = l.wakeDue(25)
	if len(due) != 2 || due[0] != t2 || due[1] != t3 {
		t.Fatalf("expected [t2 t3] due at 25; got %d entries", len(due))
	}

	due = l.wakeDue(30)
	if len(due) != 1 || due[0] != t1 {
		t.Fatalf("expected [t1] due at 30; got %d entries", len(due))
	}
}

func TestSleepingListEqualDeadlinesKeepInsertionOrder(t *testing.T) {
	l := newSleepingList()
	t1 := &Thread{TID: 1, WakeTSC: 10}
	t2 := &Thread{TID: 2, WakeTSC: 10}
	l.insert(t1)
	l.insert(t2)

	due := l.wakeDue(10)
	if len(due) != 2 || due[0] != t1 || due[1] != t2 {
		t.Fatal("expected equal deadlines to wake in insertion order")
	}
}

func TestSleepingListRemove(t *testing.T) {
	l := newSleepingList()
	t1 := &Thread{TID: 1, WakeTSC: 10}
	t2 := &Thread{TID: 2, WakeTSC: 20}
	l.insert(t1)
	l.insert(t2)

	l.remove(t1)

	due := l.wakeDue(^uint64(0))
	if len(due) != 1 || due[0] != t2 {
		t.Fatal("expected only t2 to remain after removing t1")
	}
}
