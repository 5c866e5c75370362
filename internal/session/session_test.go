package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldsync/internal/db"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/migrate"
	"fieldsync/internal/session"
	"fieldsync/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(conn, events.NewBus(), nil)
}

func waitForDraft(t *testing.T, st *store.Store, templateID, vehicleID string) domain.DraftRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d, err := st.LoadDraft(context.Background(), templateID, vehicleID)
		if err == nil {
			return d
		}
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("load: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("draft never saved")
	return domain.DraftRecord{}
}

func TestDebouncedSave(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	s, err := session.Open(ctx, st, "tpl-1", "veh-1", session.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close(ctx)

	s.SetAnswer("q1", domain.ValueAnswer("first"))
	d := waitForDraft(t, st, "tpl-1", "veh-1")
	if _, ok := d.Answers.Answers["q1"]; !ok {
		t.Fatalf("debounced save missing q1: %+v", d.Answers)
	}
}

func TestRapidEditsCoalesce(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	s, err := session.Open(ctx, st, "tpl-1", "veh-1", session.WithDebounce(40*time.Millisecond))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close(ctx)

	// edits inside the debounce window reset the timer; only the final
	// state lands
	for i := 0; i < 5; i++ {
		s.SetAnswer("q1", domain.ValueAnswer(i))
		time.Sleep(5 * time.Millisecond)
	}
	d := waitForDraft(t, st, "tpl-1", "veh-1")
	if got := d.Answers.Answers["q1"].Value; got != float64(4) {
		t.Fatalf("q1 = %v, want the last edit", got)
	}
}

func TestCloseFlushesAndStopsTimer(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	s, err := session.Open(ctx, st, "tpl-1", "veh-1", session.WithDebounce(time.Hour))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SetAnswer("q1", domain.ValueAnswer("pending"))
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	d, err := st.LoadDraft(ctx, "tpl-1", "veh-1")
	if err != nil {
		t.Fatalf("close did not flush: %v", err)
	}
	if _, ok := d.Answers.Answers["q1"]; !ok {
		t.Fatalf("flushed draft missing q1")
	}
	// edits after close are ignored
	s.SetAnswer("q2", domain.ValueAnswer("late"))
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	d, _ = st.LoadDraft(ctx, "tpl-1", "veh-1")
	if _, ok := d.Answers.Answers["q2"]; ok {
		t.Fatalf("closed session accepted an edit")
	}
}

func TestOpenRestoresExistingDraft(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	first, err := session.Open(ctx, st, "tpl-1", "veh-1", session.WithDebounce(time.Hour), session.WithTemplateVersion(2, []string{"a", "b"}))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first.SetAnswer("q1", domain.ValueAnswer("persisted"))
	if err := first.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := session.Open(ctx, st, "tpl-1", "veh-1", session.WithDebounce(time.Hour))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close(ctx)
	answers := second.Answers()
	if got, ok := answers["q1"]; !ok || got.Value != "persisted" {
		t.Fatalf("restored answers = %+v", answers)
	}
}

func TestRemoveAnswer(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	s, err := session.Open(ctx, st, "tpl-1", "", session.WithDebounce(time.Hour))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close(ctx)
	s.SetAnswer("q1", domain.ValueAnswer(1))
	s.SetAnswer("q2", domain.ValueAnswer(2))
	s.RemoveAnswer("q1")
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	d, _ := st.LoadDraft(ctx, "tpl-1", "")
	if _, ok := d.Answers.Answers["q1"]; ok {
		t.Fatalf("removed answer persisted")
	}
	if _, ok := d.Answers.Answers["q2"]; !ok {
		t.Fatalf("surviving answer lost")
	}
}
