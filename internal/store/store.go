package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
)

// SchemaVersion namespaces persisted keys so future layout changes never
// collide with old records.
const SchemaVersion = 2

const (
	FamilyQueue = "queue"
	FamilyDraft = "draft"
)

var ErrNotFound = errors.New("not found")

// ValidationError rejects an operation at the store boundary before any
// mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// Store is the durable local home for drafts and queued submissions. Keys
// follow "<family>:<schemaVersion>:<id>". Writes are last-write-wins per
// key; views coordinate through the change bus, not locks.
type Store struct {
	DB                *sql.DB
	Bus               *events.Bus
	Audit             events.Writer
	RejectedTemplates []string
	Now               func() time.Time
}

func New(db *sql.DB, bus *events.Bus, rejectedTemplates []string) *Store {
	return &Store{
		DB:                db,
		Bus:               bus,
		Audit:             events.Writer{DB: db},
		RejectedTemplates: rejectedTemplates,
		Now:               time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func QueueKey(id string) string {
	return fmt.Sprintf("%s:%d:%s", FamilyQueue, SchemaVersion, id)
}

func DraftKey(templateID, vehicleID string) string {
	return fmt.Sprintf("%s:%d:%s|%s", FamilyDraft, SchemaVersion, templateID, vehicleID)
}

// checkTemplateID enforces the identifier policy before any write.
func (s *Store) checkTemplateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return &ValidationError{Field: "template_id", Reason: "is required"}
	}
	lowered := strings.ToLower(trimmed)
	for _, rejected := range s.RejectedTemplates {
		if lowered == strings.ToLower(rejected) {
			return &ValidationError{Field: "template_id", Reason: fmt.Sprintf("%q is a rejected placeholder identifier", id)}
		}
	}
	return nil
}

func (s *Store) rejectedTemplate(id string) bool {
	return s.checkTemplateID(id) != nil
}

// --- drafts ---

// SaveDraft upserts the draft for its (template, vehicle) pair.
func (s *Store) SaveDraft(ctx context.Context, d domain.DraftRecord) error {
	if err := s.checkTemplateID(d.TemplateID); err != nil {
		return err
	}
	d.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	key := DraftKey(d.TemplateID, d.VehicleID)
	if err := s.putRecord(ctx, key, d, "draft.saved", events.EventPayload{"template_id": d.TemplateID, "vehicle_id": d.VehicleID}); err != nil {
		return err
	}
	s.publish(events.Change{Op: events.OpPut, Family: FamilyDraft, Key: key})
	return nil
}

func (s *Store) LoadDraft(ctx context.Context, templateID, vehicleID string) (domain.DraftRecord, error) {
	var d domain.DraftRecord
	payload, err := s.readRecord(ctx, DraftKey(templateID, vehicleID))
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return d, fmt.Errorf("draft payload: %w", err)
	}
	return d, nil
}

func (s *Store) ClearDraft(ctx context.Context, templateID, vehicleID string) error {
	key := DraftKey(templateID, vehicleID)
	removed, err := s.deleteRecord(ctx, key, "draft.cleared", events.EventPayload{"template_id": templateID, "vehicle_id": vehicleID})
	if err != nil {
		return err
	}
	if removed {
		s.publish(events.Change{Op: events.OpDelete, Family: FamilyDraft, Key: key})
	}
	return nil
}

// ListDrafts enumerates valid drafts only; unparseable or policy-rejected
// records are skipped (CleanupInvalid removes them).
func (s *Store) ListDrafts(ctx context.Context) ([]domain.DraftRecord, error) {
	rows, err := s.familyRows(ctx, FamilyDraft)
	if err != nil {
		return nil, err
	}
	var res []domain.DraftRecord
	for _, payload := range rows {
		var d domain.DraftRecord
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			continue
		}
		if s.rejectedTemplate(d.TemplateID) {
			continue
		}
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].TemplateID != res[j].TemplateID {
			return res[i].TemplateID < res[j].TemplateID
		}
		return res[i].VehicleID < res[j].VehicleID
	})
	return res, nil
}

// MergeUploadedMedia records an uploaded object key at its original file
// index, so a retried upload replaces its slot instead of appending.
func (s *Store) MergeUploadedMedia(ctx context.Context, templateID, vehicleID, questionID string, index int, objectKey string) error {
	if index < 0 {
		return &ValidationError{Field: "index", Reason: "must not be negative"}
	}
	d, err := s.LoadDraft(ctx, templateID, vehicleID)
	if err != nil {
		return err
	}
	if d.Metadata.UploadedMedia == nil {
		d.Metadata.UploadedMedia = map[string][]string{}
	}
	keys := d.Metadata.UploadedMedia[questionID]
	for len(keys) <= index {
		keys = append(keys, "")
	}
	keys[index] = objectKey
	d.Metadata.UploadedMedia[questionID] = keys
	return s.SaveDraft(ctx, d)
}

// --- queue ---

// Enqueue creates a queued submission, or updates it in place when an id
// is supplied, preserving CreatedAt and Attempts.
func (s *Store) Enqueue(ctx context.Context, q domain.QueuedSubmission) (domain.QueuedSubmission, error) {
	if err := s.checkTemplateID(q.TemplateID); err != nil {
		return domain.QueuedSubmission{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	if q.Mode == "" {
		q.Mode = domain.ModeFinal
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
		q.CreatedAt = now
		q.Attempts = 0
	} else if existing, err := s.getQueued(ctx, q.ID); err == nil {
		q.CreatedAt = existing.CreatedAt
		q.Attempts = existing.Attempts
	} else if errors.Is(err, ErrNotFound) {
		if q.CreatedAt == "" {
			q.CreatedAt = now
		}
	} else {
		return domain.QueuedSubmission{}, err
	}
	q.UpdatedAt = now
	key := QueueKey(q.ID)
	if err := s.putRecord(ctx, key, q, "queue.enqueued", events.EventPayload{"id": q.ID, "template_id": q.TemplateID, "mode": string(q.Mode)}); err != nil {
		return domain.QueuedSubmission{}, err
	}
	s.publish(events.Change{Op: events.OpPut, Family: FamilyQueue, Key: key})
	return q, nil
}

func (s *Store) getQueued(ctx context.Context, id string) (domain.QueuedSubmission, error) {
	var q domain.QueuedSubmission
	payload, err := s.readRecord(ctx, QueueKey(id))
	if err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(payload), &q); err != nil {
		return q, fmt.Errorf("queue payload: %w", err)
	}
	return q, nil
}

// GetQueued returns one queued submission by id.
func (s *Store) GetQueued(ctx context.Context, id string) (domain.QueuedSubmission, error) {
	return s.getQueued(ctx, id)
}

// ListQueued returns all queued submissions sorted ascending by CreatedAt.
func (s *Store) ListQueued(ctx context.Context) ([]domain.QueuedSubmission, error) {
	rows, err := s.familyRows(ctx, FamilyQueue)
	if err != nil {
		return nil, err
	}
	var res []domain.QueuedSubmission
	for _, payload := range rows {
		var q domain.QueuedSubmission
		if err := json.Unmarshal([]byte(payload), &q); err != nil {
			continue
		}
		res = append(res, q)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt != res[j].CreatedAt {
			return res[i].CreatedAt < res[j].CreatedAt
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (s *Store) RemoveQueued(ctx context.Context, id string) error {
	key := QueueKey(id)
	removed, err := s.deleteRecord(ctx, key, "queue.removed", events.EventPayload{"id": id})
	if err != nil {
		return err
	}
	if removed {
		s.publish(events.Change{Op: events.OpDelete, Family: FamilyQueue, Key: key})
	}
	return nil
}

// QueuePatch carries partial updates for UpdateQueued; nil fields are left
// untouched.
type QueuePatch struct {
	Attempts  *int
	LastError *string
	Answers   *domain.SerializedAnswerSet
	Metadata  map[string]any
	Mode      *domain.SubmissionMode
}

// UpdateQueued merges the patch into the stored entry and bumps UpdatedAt.
// A missing id is a no-op.
func (s *Store) UpdateQueued(ctx context.Context, id string, patch QueuePatch) error {
	q, err := s.getQueued(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if patch.Attempts != nil {
		q.Attempts = *patch.Attempts
	}
	if patch.LastError != nil {
		q.LastError = *patch.LastError
	}
	if patch.Answers != nil {
		q.Answers = *patch.Answers
	}
	if patch.Metadata != nil {
		q.Metadata = patch.Metadata
	}
	if patch.Mode != nil {
		q.Mode = *patch.Mode
	}
	q.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	key := QueueKey(id)
	if err := s.putRecord(ctx, key, q, "queue.updated", events.EventPayload{"id": id, "attempts": q.Attempts}); err != nil {
		return err
	}
	s.publish(events.Change{Op: events.OpPut, Family: FamilyQueue, Key: key})
	return nil
}

// --- maintenance ---

// CleanupInvalid removes records with unparseable payloads or
// policy-rejected template identifiers and returns the removed count.
func (s *Store) CleanupInvalid(ctx context.Context) (int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, payload_json FROM records`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var invalid []string
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return 0, err
		}
		if !s.recordValid(key, payload) {
			invalid = append(invalid, key)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range invalid {
		ok, err := s.deleteRecord(ctx, key, "store.cleanup", events.EventPayload{"key": key})
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			s.publish(events.Change{Op: events.OpDelete, Family: familyOf(key), Key: key})
		}
	}
	return removed, nil
}

func (s *Store) recordValid(key, payload string) bool {
	switch familyOf(key) {
	case FamilyQueue:
		var q domain.QueuedSubmission
		if err := json.Unmarshal([]byte(payload), &q); err != nil {
			return false
		}
		return !s.rejectedTemplate(q.TemplateID)
	case FamilyDraft:
		var d domain.DraftRecord
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return false
		}
		return !s.rejectedTemplate(d.TemplateID)
	default:
		return false
	}
}

func familyOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return ""
}

// --- record plumbing ---

func (s *Store) familyRows(ctx context.Context, family string) ([]string, error) {
	prefix := fmt.Sprintf("%s:%d:", family, SchemaVersion)
	rows, err := s.DB.QueryContext(ctx, `SELECT payload_json FROM records WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		res = append(res, payload)
	}
	return res, rows.Err()
}

func (s *Store) readRecord(ctx context.Context, key string) (string, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload_json FROM records WHERE key=?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return payload, err
}

func (s *Store) putRecord(ctx context.Context, key string, record any, op string, detail events.EventPayload) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO records(key,payload_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		key, string(payload), now, now); err != nil {
		return err
	}
	if err := s.Audit.Append(ctx, tx, op, familyOf(key), key, detail); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) deleteRecord(ctx context.Context, key, op string, detail events.EventPayload) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key=?`, key)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}
	if err := s.Audit.Append(ctx, tx, op, familyOf(key), key, detail); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) publish(c events.Change) {
	if s.Bus != nil {
		s.Bus.Publish(c)
	}
}
