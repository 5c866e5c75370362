package domain

import "math"

// AnswerKind identifies the shape of an answer entry. The kind is fixed
// when the entry is constructed and never re-derived from the value.
type AnswerKind string

const (
	KindValue     AnswerKind = "value"
	KindMedia     AnswerKind = "media"
	KindSignature AnswerKind = "signature"
	KindAudio     AnswerKind = "audio"
)

// Attachment is a binary payload associated with a question. Data is
// base64-encoded when the entry is marshalled, which keeps stored answer
// sets transport-safe.
type Attachment struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// AnswerEntry is a tagged union over the four answer kinds. Exactly the
// fields belonging to Kind are populated; the rest stay zero.
type AnswerEntry struct {
	Kind      AnswerKind   `json:"kind"`
	Value     any          `json:"value,omitempty"`
	Files     []Attachment `json:"files,omitempty"`
	Signature string       `json:"signature,omitempty"`
	Duration  *float64     `json:"duration,omitempty"`
}

// ValueAnswer builds a plain value entry.
func ValueAnswer(v any) AnswerEntry {
	return AnswerEntry{Kind: KindValue, Value: v}
}

// MediaAnswer builds an ordered media entry.
func MediaAnswer(files ...Attachment) AnswerEntry {
	return AnswerEntry{Kind: KindMedia, Files: files}
}

// SignatureAnswer builds a signature entry from an embedded-data string.
func SignatureAnswer(dataURI string) AnswerEntry {
	return AnswerEntry{Kind: KindSignature, Signature: dataURI}
}

// AudioAnswer builds an audio entry with an optional duration in seconds.
func AudioAnswer(file Attachment, durationSec float64) AnswerEntry {
	e := AnswerEntry{Kind: KindAudio, Files: []Attachment{file}}
	if durationSec > 0 {
		e.Duration = &durationSec
	}
	return e
}

// SerializedAnswerSet is the versioned, transport-safe form of an answers
// map. Key order carries no meaning.
type SerializedAnswerSet struct {
	Version   int                    `json:"version"`
	UpdatedAt string                 `json:"updated_at" format:"date-time"`
	Answers   map[string]AnswerEntry `json:"answers"`
}

// SubmissionMode distinguishes finalized submissions from draft-mode ones.
type SubmissionMode string

const (
	ModeDraft SubmissionMode = "draft"
	ModeFinal SubmissionMode = "final"
)

// QueuedSubmission is an answer set awaiting network delivery.
type QueuedSubmission struct {
	ID         string              `json:"id"`
	TemplateID string              `json:"template_id"`
	VehicleID  string              `json:"vehicle_id,omitempty"`
	Answers    SerializedAnswerSet `json:"answers"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Mode       SubmissionMode      `json:"mode"`
	CreatedAt  string              `json:"created_at" format:"date-time"`
	UpdatedAt  string              `json:"updated_at" format:"date-time"`
	Attempts   int                 `json:"attempts"`
	LastError  string              `json:"last_error,omitempty"`
}

// DraftMetadata rides along with a draft record. SectionIDs captures the
// template's section list at save time so staleness checks do not depend
// on which questions the inspector happened to answer.
type DraftMetadata struct {
	TemplateVersion  int                 `json:"template_version,omitempty"`
	SectionIDs       []string            `json:"section_ids,omitempty"`
	ConflictResolved bool                `json:"conflict_resolved,omitempty"`
	UploadedMedia    map[string][]string `json:"uploaded_media,omitempty"`
}

// DraftRecord is a locally persisted, editable answer set. At most one
// live draft exists per (template, vehicle) pair.
type DraftRecord struct {
	TemplateID string              `json:"template_id"`
	VehicleID  string              `json:"vehicle_id,omitempty"`
	UpdatedAt  string              `json:"updated_at" format:"date-time"`
	Answers    SerializedAnswerSet `json:"answers"`
	Metadata   DraftMetadata       `json:"metadata"`
}

// ConflictSeverity grades a template-version conflict.
type ConflictSeverity string

const (
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// ConflictReport describes how a draft diverged from the live template.
type ConflictReport struct {
	TemplateID           string           `json:"template_id"`
	VehicleID            string           `json:"vehicle_id,omitempty"`
	DraftTemplateVersion int              `json:"draft_template_version"`
	CurrentVersion       int              `json:"current_version"`
	NewSections          []string         `json:"new_sections"`
	RemovedSections      []string         `json:"removed_sections"`
	ModifiedQuestions    []string         `json:"modified_questions"`
	Severity             ConflictSeverity `json:"severity"`
}

// Progress is the callback shape exposed to submission and drain callers.
type Progress struct {
	Phase   string         `json:"phase"`
	Mode    SubmissionMode `json:"mode,omitempty"`
	Message string         `json:"message,omitempty"`
	Percent int            `json:"percent,omitempty"`
	Loaded  int64          `json:"loaded,omitempty"`
	Total   int64          `json:"total,omitempty"`
	QueueID string         `json:"queue_id,omitempty"`
	Offline bool           `json:"offline,omitempty"`
	Err     error          `json:"-"`
}

// ProgressPercent maps transferred bytes to a whole percentage, clamped
// to 100. Multipart framing can push loaded past the estimated total.
func ProgressPercent(loaded, total int64) int {
	if total <= 0 {
		return 100
	}
	pct := int(math.Round(float64(loaded) / float64(total) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Progress phases.
const (
	PhasePreparing = "preparing"
	PhaseUploading = "uploading"
	PhaseCompleted = "completed"
	PhaseQueued    = "queued"
	PhaseError     = "error"
)
