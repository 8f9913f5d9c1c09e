package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusCompressing, true},
		{StatusPending, StatusUploading, true},
		{StatusPending, StatusDownloading, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompressing, StatusUploading, true},
		{StatusCompressing, StatusCancelled, false},
		{StatusUploading, StatusCompleted, true},
		{StatusUploading, StatusPending, false},
		{StatusDownloading, StatusError, true},
		{StatusCompleted, StatusError, false},
		{StatusError, StatusPending, false},
		{StatusCancelled, StatusUploading, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusError, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := summarize("r1", []Task{
		{Status: StatusCompleted},
		{Status: StatusError},
		{Status: StatusCancelled},
		{Status: StatusCompleted},
	})
	if s.Total != 4 || s.Completed != 2 || s.Failed != 1 || s.Cancelled != 1 || s.Success {
		t.Errorf("summarize = %+v", s)
	}
	if !summarize("r2", []Task{{Status: StatusCompleted}}).Success {
		t.Error("all-completed summary should succeed")
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Insert(Task{ID: "t1", RequestID: "r1", Status: StatusPending}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(Task{ID: "t1", RequestID: "r1"}); err == nil {
		t.Error("duplicate Insert succeeded")
	}

	got, err := s.Update("t1", func(task *Task) error {
		task.Status = StatusUploading
		task.RequestID = "hijacked"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Status != StatusUploading || got.RequestID != "r1" {
		t.Errorf("Update = %+v", got)
	}

	_, err = s.Update("t1", func(task *Task) error {
		task.Status = StatusCompleted
		return &errTransition{from: task.Status, to: StatusCompleted}
	})
	if err == nil {
		t.Fatal("Update with failing fn returned nil")
	}
	if cur, _ := s.Get("t1"); cur.Status != StatusUploading {
		t.Errorf("failed Update changed status to %s", cur.Status)
	}

	if _, err := s.Update("nope", func(*Task) error { return nil }); bderr.KindOf(err) != bderr.KindNotFound {
		t.Errorf("Update(missing) kind = %s", bderr.KindOf(err))
	}
	if _, err := s.List("nope"); bderr.KindOf(err) != bderr.KindNotFound {
		t.Errorf("List(missing) kind = %s", bderr.KindOf(err))
	}
}

func TestMemoryStoreListOrder(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		if err := s.Insert(Task{ID: id, RequestID: "r"}); err != nil {
			t.Fatal(err)
		}
	}
	s.Insert(Task{ID: "other", RequestID: "r2"})

	tasks, err := s.List("r")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "a" || ids[2] != "b" {
		t.Errorf("List order = %v, want [c a b]", ids)
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	s := NewMemoryStore()
	s.Insert(Task{ID: "a", RequestID: "r"})
	s.Insert(Task{ID: "b", RequestID: "r"})
	s.Insert(Task{ID: "c", RequestID: "r2"})

	if err := s.Remove("r"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.List("r"); err == nil {
		t.Error("List of a removed request succeeded")
	}
	if _, err := s.Get("a"); err == nil {
		t.Error("Get of a removed task succeeded")
	}
	if _, err := s.Get("c"); err != nil {
		t.Errorf("other request lost its task: %v", err)
	}
	if err := s.Remove("unknown"); err != nil {
		t.Errorf("Remove(unknown) = %v", err)
	}
}

func TestMemoryStoreSubscribe(t *testing.T) {
	s := NewMemoryStore()
	events, cancel := s.Subscribe(4)

	s.Insert(Task{ID: "t1", RequestID: "r", Status: StatusPending})
	s.Update("t1", func(task *Task) error { task.Status = StatusUploading; return nil })

	for _, want := range []Status{StatusPending, StatusUploading} {
		select {
		case ev := <-events:
			if ev.Task.Status != want {
				t.Errorf("event status = %s, want %s", ev.Task.Status, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no event for %s", want)
		}
	}

	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Error("channel still open after cancel")
	}
	// Publishing after cancel must not panic on the closed channel.
	s.Update("t1", func(task *Task) error { task.Status = StatusCompleted; return nil })
}

func TestMemoryStoreSlowSubscriber(t *testing.T) {
	s := NewMemoryStore()
	_, cancel := s.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Insert(Task{ID: string(rune('a' + i)), RequestID: "r"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writers blocked on a full subscriber")
	}
}

func TestQueue(t *testing.T) {
	q := newQueue()
	q.push("a")
	q.push("b")
	if q.len() != 2 {
		t.Fatalf("len = %d, want 2", q.len())
	}
	if id, ok := q.pop(); !ok || id != "a" {
		t.Errorf("pop = %q, %v; want a", id, ok)
	}

	var wg sync.WaitGroup
	got := make(chan string, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.pop()
		id, ok := q.pop()
		if !ok {
			id = "<closed>"
		}
		got <- id
	}()

	time.Sleep(10 * time.Millisecond)
	q.push("c")
	wg.Wait()
	if id := <-got; id != "c" {
		t.Errorf("blocked pop = %q, want c", id)
	}

	q.push("d")
	rest := q.close()
	if len(rest) != 1 || rest[0] != "d" {
		t.Errorf("close leftovers = %v, want [d]", rest)
	}
	if q.push("e") {
		t.Error("push after close succeeded")
	}
	if _, ok := q.pop(); ok {
		t.Error("pop after close succeeded")
	}
}

func TestCloseTimeoutAbortsRunningTasks(t *testing.T) {
	st := newFakeStorage()
	st.gate = make(chan struct{})
	o := New(st, Options{MaxConcurrent: 1})

	id, tasks, err := o.SubmitUpload(context.Background(), UploadRequest{
		Provider: testProvider, Bucket: "b", Files: []SourceFile{{Name: "stuck.txt", Data: []byte("x")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, o, tasks[0].ID, StatusUploading)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Close(ctx); err == nil {
		t.Error("Close with expired context returned nil")
	}
	s := waitSummary(t, o, id)
	if s.Failed != 1 || s.Tasks[0].Stage != StageUpload {
		t.Errorf("summary = %+v", s)
	}
}
