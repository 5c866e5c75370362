package conflict

import (
	"context"
	"fmt"
	"sort"

	"fieldsync/internal/backend"
	"fieldsync/internal/domain"
	"fieldsync/internal/store"
)

// modifiedHighWater is the modified-question count above which a conflict
// is high severity.
const modifiedHighWater = 5

// TemplateFetcher supplies live template definitions; satisfied by
// backend.Client.
type TemplateFetcher interface {
	FetchTemplate(ctx context.Context, templateID string) (*backend.Template, error)
}

// Detector compares enumerated drafts against live templates and applies
// the operator's chosen resolution.
type Detector struct {
	Store     *store.Store
	Templates TemplateFetcher
}

func New(st *store.Store, templates TemplateFetcher) *Detector {
	return &Detector{Store: st, Templates: templates}
}

// CheckAll fetches the live template for every draft and returns a report
// for each one whose template moved ahead of it.
func (d *Detector) CheckAll(ctx context.Context) ([]domain.ConflictReport, error) {
	drafts, err := d.Store.ListDrafts(ctx)
	if err != nil {
		return nil, err
	}
	var reports []domain.ConflictReport
	for _, draft := range drafts {
		tpl, err := d.Templates.FetchTemplate(ctx, draft.TemplateID)
		if err != nil {
			return reports, fmt.Errorf("template %s: %w", draft.TemplateID, err)
		}
		if r := Check(draft, tpl); r != nil {
			reports = append(reports, *r)
		}
	}
	return reports, nil
}

// Check builds a conflict report, or nil when the draft is current.
// Resolution stamps the draft's version forward, so a resolved draft is
// current by the same test.
func Check(draft domain.DraftRecord, tpl *backend.Template) *domain.ConflictReport {
	if tpl.Version <= draft.Metadata.TemplateVersion {
		return nil
	}
	known := knownSections(draft, tpl)
	live := map[string]bool{}
	var newSections []string
	for _, s := range tpl.Sections {
		live[s.ID] = true
		if !known[s.ID] {
			newSections = append(newSections, s.ID)
		}
	}
	var removed []string
	for _, id := range orderedKeys(known) {
		if !live[id] {
			removed = append(removed, id)
		}
	}
	report := domain.ConflictReport{
		TemplateID:           draft.TemplateID,
		VehicleID:            draft.VehicleID,
		DraftTemplateVersion: draft.Metadata.TemplateVersion,
		CurrentVersion:       tpl.Version,
		NewSections:          newSections,
		RemovedSections:      removed,
		ModifiedQuestions:    []string{}, // per-question diffing is not computed
	}
	report.Severity = severity(report)
	return &report
}

// knownSections is the section set the draft was built against: the
// recorded section list when the draft carries one, otherwise the
// sections inferred from the draft's answered questions.
func knownSections(draft domain.DraftRecord, tpl *backend.Template) map[string]bool {
	known := map[string]bool{}
	if len(draft.Metadata.SectionIDs) > 0 {
		for _, id := range draft.Metadata.SectionIDs {
			known[id] = true
		}
		return known
	}
	answered := map[string]bool{}
	for qid := range draft.Answers.Answers {
		answered[qid] = true
	}
	for _, s := range tpl.Sections {
		for _, q := range s.Questions {
			if answered[q.ID] {
				known[s.ID] = true
				break
			}
		}
	}
	return known
}

func severity(r domain.ConflictReport) domain.ConflictSeverity {
	if len(r.RemovedSections) > 0 || len(r.ModifiedQuestions) > modifiedHighWater {
		return domain.SeverityHigh
	}
	return domain.SeverityMedium
}

func orderedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Keep stamps the draft's recorded version forward to current and marks
// it resolved; editing continues without remapping.
func (d *Detector) Keep(ctx context.Context, templateID, vehicleID string) error {
	draft, err := d.Store.LoadDraft(ctx, templateID, vehicleID)
	if err != nil {
		return err
	}
	tpl, err := d.Templates.FetchTemplate(ctx, templateID)
	if err != nil {
		return err
	}
	draft.Metadata.TemplateVersion = tpl.Version
	draft.Metadata.SectionIDs = tpl.SectionIDs()
	draft.Metadata.ConflictResolved = true
	return d.Store.SaveDraft(ctx, draft)
}

// Discard deletes the draft.
func (d *Detector) Discard(ctx context.Context, templateID, vehicleID string) error {
	return d.Store.ClearDraft(ctx, templateID, vehicleID)
}

// MergeHandoff packages everything the capture flow needs to reopen the
// draft in overlay mode. The merge itself happens outside this engine.
type MergeHandoff struct {
	Draft  domain.DraftRecord    `json:"draft"`
	Report domain.ConflictReport `json:"report"`
}

// Merge prepares the hand-off for the capture flow without touching the
// stored draft.
func (d *Detector) Merge(ctx context.Context, templateID, vehicleID string) (*MergeHandoff, error) {
	draft, err := d.Store.LoadDraft(ctx, templateID, vehicleID)
	if err != nil {
		return nil, err
	}
	tpl, err := d.Templates.FetchTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	report := Check(draft, tpl)
	if report == nil {
		return nil, fmt.Errorf("draft %s/%s is not in conflict", templateID, vehicleID)
	}
	return &MergeHandoff{Draft: draft, Report: *report}, nil
}
