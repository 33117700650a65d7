package redisstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wilhg/statestore/pkg/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), "redis://"+mr.Addr()+"/0", store.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestGetSetIfAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "ns:conversation:c1"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	ok, err := s.SetIfAbsent(ctx, "ns:conversation:c1", []byte(`{"state":"A","data":{}}`))
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent ok=%v err=%v", ok, err)
	}
	ok, err = s.SetIfAbsent(ctx, "ns:conversation:c1", []byte(`{"state":"B","data":{}}`))
	if err != nil || ok {
		t.Fatalf("second SetIfAbsent ok=%v err=%v", ok, err)
	}
	v, ok, err := s.Get(ctx, "ns:conversation:c1")
	if err != nil || !ok || !strings.Contains(string(v), `"A"`) {
		t.Fatalf("get v=%s ok=%v err=%v", v, ok, err)
	}
	if err := s.Set(ctx, "ns:conversation:c1", []byte(`{"state":"B","data":{}}`)); err != nil {
		t.Fatal(err)
	}
	v, _, _ = s.Get(ctx, "ns:conversation:c1")
	if !strings.Contains(string(v), `"B"`) {
		t.Fatalf("after Set v=%s", v)
	}
}

func TestStreamReads(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if got, err := s.ReadAfter(ctx, "ns:events", store.StartID, 100); err != nil || len(got) != 0 {
		t.Fatalf("empty stream got=%v err=%v", got, err)
	}
	var ids []string
	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		id, err := s.Append(ctx, "ns:events", []byte(p), 10000)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	all, err := s.ReadAfter(ctx, "ns:events", store.StartID, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || string(all[0].Payload) != `{"n":1}` || all[2].ID != ids[2] {
		t.Fatalf("all=%+v", all)
	}
	after, err := s.ReadAfter(ctx, "ns:events", ids[1], 100)
	if err != nil || len(after) != 1 || after[0].ID != ids[2] {
		t.Fatalf("after=%+v err=%v", after, err)
	}
	limited, _ := s.ReadAfter(ctx, "ns:events", store.StartID, 2)
	if len(limited) != 2 {
		t.Fatalf("limited=%+v", limited)
	}
	latest, err := s.ReadLatest(ctx, "ns:events", 2)
	if err != nil || len(latest) != 2 || latest[0].ID != ids[2] || latest[1].ID != ids[1] {
		t.Fatalf("latest=%+v err=%v", latest, err)
	}
}

func TestEntryWithoutPayload(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Client().XAdd(ctx, &redis.XAddArgs{Stream: "ns:events", Values: []any{"other", "x"}}).Err(); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadAfter(ctx, "ns:events", store.StartID, 10)
	if err != nil || len(got) != 1 || got[0].Payload != nil {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}

func TestBlockAfter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	got, err := s.BlockAfter(ctx, "ns:events", store.StartID, 10, 50*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Fatalf("timeout read got=%v err=%v", got, err)
	}

	done := make(chan []store.Entry, 1)
	go func() {
		entries, err := s.BlockAfter(ctx, "ns:events", store.StartID, 10, 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- entries
	}()
	time.Sleep(50 * time.Millisecond)
	if _, err := s.Append(ctx, "ns:events", []byte(`{"n":1}`), 0); err != nil {
		t.Fatal(err)
	}
	select {
	case entries := <-done:
		if len(entries) != 1 {
			t.Fatalf("entries=%+v", entries)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("BlockAfter did not return after append")
	}
}

func TestOpenFailures(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, "not a url", store.Options{}); err == nil {
		t.Fatal("expected parse error")
	}
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := Open(ctx, "redis://"+addr, store.Options{}); err == nil {
		t.Fatal("expected ping error against closed server")
	}
}

func TestRegisteredSchemes(t *testing.T) {
	for _, scheme := range []string{"redis", "rediss"} {
		if _, ok := store.Resolve(scheme); !ok {
			t.Fatalf("scheme %q not registered", scheme)
		}
	}
	mr := miniredis.RunT(t)
	b, err := store.Open(context.Background(), "redis://"+mr.Addr(), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
