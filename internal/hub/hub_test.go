package hub

import "testing"

type testWriter struct {
	writes int
	fail   bool
}

func (w *testWriter) Write(message []byte) error {
	w.writes++
	if w.fail {
		return errTest
	}
	return nil
}

func (w *testWriter) Close() error { return nil }

var errTest = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "test" }

func TestHub_JoinBroadcastUnregister(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	c1 := &Connection{UserID: "u", Writer: w1}

	h.Join(UserRoom("u"), c1)
	h.Broadcast([]byte("x"), UserRoom("u"))
	if w1.writes != 1 {
		t.Fatalf("expected 1 write, got %d", w1.writes)
	}

	h.Unregister(c1)
	h.Broadcast([]byte("x"), UserRoom("u"))
	if w1.writes != 1 {
		t.Fatalf("expected no more writes, got %d", w1.writes)
	}
	if h.Members(UserRoom("u")) != 0 {
		t.Fatalf("expected empty room")
	}
}

func TestHub_OneWritePerConnectionAcrossRooms(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	c1 := &Connection{UserID: "u", Writer: w1}
	h.Join(UserRoom("u"), c1)
	h.Join(SessionRoom("s1"), c1)

	w2 := &testWriter{}
	h.Join(SessionRoom("s1"), &Connection{UserID: "u", Writer: w2})

	delivered := h.Broadcast([]byte("x"), SessionRoom("s1"), UserRoom("u"))
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	if w1.writes != 1 || w2.writes != 1 {
		t.Fatalf("expected one write each, got %d and %d", w1.writes, w2.writes)
	}
}

func TestHub_LeaveOneRoom(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	c1 := &Connection{UserID: "u", Writer: w1}
	h.Join(UserRoom("u"), c1)
	h.Join(MachineRoom("m"), c1)

	h.Leave(MachineRoom("m"), c1)
	h.Broadcast([]byte("x"), MachineRoom("m"))
	h.Broadcast([]byte("x"), UserRoom("u"))
	if w1.writes != 1 {
		t.Fatalf("expected 1 write, got %d", w1.writes)
	}
}

func TestHub_RemovesFailedConnections(t *testing.T) {
	h := New()
	w1 := &testWriter{fail: true}
	c1 := &Connection{UserID: "u", Writer: w1}
	h.Join(UserRoom("u"), c1)
	h.Join(SessionRoom("s"), c1)

	h.Broadcast([]byte("x"), UserRoom("u"))
	h.Broadcast([]byte("x"), SessionRoom("s"))
	if w1.writes != 1 {
		t.Fatalf("expected only 1 write before removal, got %d", w1.writes)
	}
}
