package conflict_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldsync/internal/backend"
	"fieldsync/internal/conflict"
	"fieldsync/internal/db"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/migrate"
	"fieldsync/internal/store"
)

type fakeTemplates struct {
	byID map[string]*backend.Template
}

func (f *fakeTemplates) FetchTemplate(ctx context.Context, templateID string) (*backend.Template, error) {
	tpl, ok := f.byID[templateID]
	if !ok {
		return nil, errors.New("template not found")
	}
	return tpl, nil
}

func template(id string, version int, sections ...string) *backend.Template {
	tpl := &backend.Template{ID: id, Version: version}
	for _, s := range sections {
		tpl.Sections = append(tpl.Sections, backend.Section{ID: s})
	}
	return tpl
}

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
	st := store.New(conn, events.NewBus(), nil)
	st.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return st
}

func TestCheckCurrentDraftIsQuiet(t *testing.T) {
	draft := domain.DraftRecord{
		TemplateID: "tpl-1",
		Metadata:   domain.DraftMetadata{TemplateVersion: 3, SectionIDs: []string{"a", "b"}},
	}
	if r := conflict.Check(draft, template("tpl-1", 3, "a", "b")); r != nil {
		t.Fatalf("same version reported a conflict: %+v", r)
	}
	if r := conflict.Check(draft, template("tpl-1", 2, "a")); r != nil {
		t.Fatalf("older template reported a conflict: %+v", r)
	}
}

func TestCheckNewSectionFromRecordedList(t *testing.T) {
	// draft built against [a b c] with only a and b answered; template
	// gains d; only d is new
	draft := domain.DraftRecord{
		TemplateID: "tpl-1",
		Answers: domain.SerializedAnswerSet{Answers: map[string]domain.AnswerEntry{
			"qa": domain.ValueAnswer(1),
			"qb": domain.ValueAnswer(2),
		}},
		Metadata: domain.DraftMetadata{TemplateVersion: 1, SectionIDs: []string{"a", "b", "c"}},
	}
	r := conflict.Check(draft, template("tpl-1", 2, "a", "b", "c", "d"))
	if r == nil {
		t.Fatalf("expected a conflict")
	}
	if len(r.NewSections) != 1 || r.NewSections[0] != "d" {
		t.Fatalf("new sections = %v, want [d]", r.NewSections)
	}
	if len(r.RemovedSections) != 0 {
		t.Fatalf("removed = %v, want none", r.RemovedSections)
	}
	if r.Severity != domain.SeverityMedium {
		t.Fatalf("severity = %q, want medium for additions only", r.Severity)
	}
	if r.ModifiedQuestions == nil || len(r.ModifiedQuestions) != 0 {
		t.Fatalf("modified questions = %v, want empty non-nil", r.ModifiedQuestions)
	}
}

func TestCheckInfersSectionsFromAnswers(t *testing.T) {
	// older draft without a recorded section list: known sections are the
	// ones the inspector answered into
	tpl := template("tpl-1", 2, "a", "b", "d")
	tpl.Sections[0].Questions = []backend.Question{{ID: "qa"}}
	tpl.Sections[1].Questions = []backend.Question{{ID: "qb"}}
	tpl.Sections[2].Questions = []backend.Question{{ID: "qd"}}
	draft := domain.DraftRecord{
		TemplateID: "tpl-1",
		Answers: domain.SerializedAnswerSet{Answers: map[string]domain.AnswerEntry{
			"qa": domain.ValueAnswer(1),
		}},
		Metadata: domain.DraftMetadata{TemplateVersion: 1},
	}
	r := conflict.Check(draft, tpl)
	if r == nil {
		t.Fatalf("expected a conflict")
	}
	if len(r.NewSections) != 2 {
		t.Fatalf("new sections = %v, want the two unanswered ones", r.NewSections)
	}
}

func TestCheckRemovedSectionIsHighSeverity(t *testing.T) {
	draft := domain.DraftRecord{
		TemplateID: "tpl-1",
		Metadata:   domain.DraftMetadata{TemplateVersion: 1, SectionIDs: []string{"a", "b"}},
	}
	r := conflict.Check(draft, template("tpl-1", 2, "a"))
	if r == nil {
		t.Fatalf("expected a conflict")
	}
	if len(r.RemovedSections) != 1 || r.RemovedSections[0] != "b" {
		t.Fatalf("removed = %v, want [b]", r.RemovedSections)
	}
	if r.Severity != domain.SeverityHigh {
		t.Fatalf("severity = %q, want high when sections vanish", r.Severity)
	}
}

func TestKeepStampsDraftForward(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	if err := st.SaveDraft(ctx, domain.DraftRecord{
		TemplateID: "tpl-1", VehicleID: "veh-1",
		Metadata: domain.DraftMetadata{TemplateVersion: 1, SectionIDs: []string{"a"}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tpl := template("tpl-1", 3, "a", "b")
	det := conflict.New(st, &fakeTemplates{byID: map[string]*backend.Template{"tpl-1": tpl}})

	if err := det.Keep(ctx, "tpl-1", "veh-1"); err != nil {
		t.Fatalf("keep: %v", err)
	}
	draft, err := st.LoadDraft(ctx, "tpl-1", "veh-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if draft.Metadata.TemplateVersion != 3 || !draft.Metadata.ConflictResolved {
		t.Fatalf("metadata = %+v", draft.Metadata)
	}
	if len(draft.Metadata.SectionIDs) != 2 {
		t.Fatalf("section list not refreshed: %v", draft.Metadata.SectionIDs)
	}
	// a kept draft no longer reports against the same version
	if r := conflict.Check(draft, tpl); r != nil {
		t.Fatalf("kept draft still in conflict: %+v", r)
	}
}

func TestDiscardDeletesDraft(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	if err := st.SaveDraft(ctx, domain.DraftRecord{TemplateID: "tpl-1", VehicleID: "veh-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	det := conflict.New(st, &fakeTemplates{})
	if err := det.Discard(ctx, "tpl-1", "veh-1"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := st.LoadDraft(ctx, "tpl-1", "veh-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("draft survived discard: %v", err)
	}
}

func TestMergeHandsOffWithoutMutating(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	if err := st.SaveDraft(ctx, domain.DraftRecord{
		TemplateID: "tpl-1", VehicleID: "veh-1",
		Metadata: domain.DraftMetadata{TemplateVersion: 1, SectionIDs: []string{"a"}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	det := conflict.New(st, &fakeTemplates{byID: map[string]*backend.Template{
		"tpl-1": template("tpl-1", 2, "a", "b"),
	}})
	handoff, err := det.Merge(ctx, "tpl-1", "veh-1")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if handoff.Report.CurrentVersion != 2 || handoff.Draft.TemplateID != "tpl-1" {
		t.Fatalf("handoff = %+v", handoff)
	}
	// the stored draft is untouched
	draft, _ := st.LoadDraft(ctx, "tpl-1", "veh-1")
	if draft.Metadata.TemplateVersion != 1 || draft.Metadata.ConflictResolved {
		t.Fatalf("merge mutated the draft: %+v", draft.Metadata)
	}
}

func TestCheckAll(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	for _, d := range []domain.DraftRecord{
		{TemplateID: "tpl-stale", Metadata: domain.DraftMetadata{TemplateVersion: 1, SectionIDs: []string{"a"}}},
		{TemplateID: "tpl-fresh", Metadata: domain.DraftMetadata{TemplateVersion: 5, SectionIDs: []string{"a"}}},
	} {
		if err := st.SaveDraft(ctx, d); err != nil {
			t.Fatalf("seed %s: %v", d.TemplateID, err)
		}
	}
	det := conflict.New(st, &fakeTemplates{byID: map[string]*backend.Template{
		"tpl-stale": template("tpl-stale", 2, "a", "b"),
		"tpl-fresh": template("tpl-fresh", 5, "a"),
	}})
	reports, err := det.CheckAll(ctx)
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if len(reports) != 1 || reports[0].TemplateID != "tpl-stale" {
		t.Fatalf("reports = %+v, want only the stale draft", reports)
	}
}
