package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"fieldsync/internal/codec"
	"fieldsync/internal/domain"
	"fieldsync/internal/store"
)

const defaultDebounce = 2 * time.Second

// Session is an editing-session helper for one (template, vehicle) draft.
// It owns exactly one debounce timer; the timer is cancelled on Close so
// a disposed session never fires a stray save.
type Session struct {
	store      *store.Store
	templateID string
	vehicleID  string
	debounce   time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	answers map[string]domain.AnswerEntry
	meta    domain.DraftMetadata
	dirty   bool
	closed  bool
}

// Option tweaks a new session.
type Option func(*Session)

// WithDebounce overrides the save debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(s *Session) { s.debounce = d }
}

// WithTemplateVersion stamps the template version and section list the
// session is editing against.
func WithTemplateVersion(version int, sectionIDs []string) Option {
	return func(s *Session) {
		s.meta.TemplateVersion = version
		s.meta.SectionIDs = sectionIDs
	}
}

// Open loads any existing draft for the pair and returns a live session.
func Open(ctx context.Context, st *store.Store, templateID, vehicleID string, opts ...Option) (*Session, error) {
	s := &Session{
		store:      st,
		templateID: templateID,
		vehicleID:  vehicleID,
		debounce:   defaultDebounce,
		answers:    map[string]domain.AnswerEntry{},
	}
	draft, err := st.LoadDraft(ctx, templateID, vehicleID)
	switch {
	case err == nil:
		s.meta = draft.Metadata
		restored, derr := codec.Deserialize(draft.Answers)
		if derr != nil {
			return nil, derr
		}
		s.answers = restored
	case err == store.ErrNotFound:
	default:
		return nil, err
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetAnswer replaces the entry for a question and arms the debounced save.
func (s *Session) SetAnswer(questionID string, entry domain.AnswerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.answers[questionID] = entry
	s.dirty = true
	s.armLocked()
}

// RemoveAnswer drops a question's entry and arms the debounced save.
func (s *Session) RemoveAnswer(questionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.answers, questionID)
	s.dirty = true
	s.armLocked()
}

// Answers returns a copy of the current in-memory answers.
func (s *Session) Answers() map[string]domain.AnswerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.AnswerEntry, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// armLocked resets the single owned timer. Callers hold s.mu.
func (s *Session) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(context.Background()); err != nil {
			log.Printf("session: debounced save %s/%s: %v", s.templateID, s.vehicleID, err)
		}
	})
}

// Flush persists the current answers immediately if anything changed.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	answers := make(map[string]domain.AnswerEntry, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}
	meta := s.meta
	s.dirty = false
	s.mu.Unlock()

	serialized, err := codec.Serialize(answers)
	if err != nil {
		return fmt.Errorf("serialize draft: %w", err)
	}
	return s.store.SaveDraft(ctx, domain.DraftRecord{
		TemplateID: s.templateID,
		VehicleID:  s.vehicleID,
		Answers:    serialized,
		Metadata:   meta,
	})
}

// Close cancels the pending timer and flushes any unsaved edits. The
// session accepts no further edits afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.Flush(ctx)
}
