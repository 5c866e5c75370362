package submit

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/backend"
	"fieldsync/internal/codec"
	"fieldsync/internal/domain"
	"fieldsync/internal/store"
)

// Submitter is the network capability the orchestrator drives; satisfied
// by backend.Client.
type Submitter interface {
	SubmitInspection(ctx context.Context, p *codec.Payload, onProgress func(loaded, total int64)) (*backend.SubmissionResponse, error)
}

// Result statuses.
const (
	StatusSubmitted = "submitted"
	StatusQueued    = "queued"
)

// Options describe one submission. Either Answers or Serialized must be
// set; Serialized wins when both are present.
type Options struct {
	TemplateID string
	VehicleID  string
	Answers    map[string]domain.AnswerEntry
	Serialized *domain.SerializedAnswerSet
	Mode       domain.SubmissionMode
	Metadata   map[string]any
	Compress   codec.Compressor
	Progress   func(domain.Progress)
}

// Result is the outcome of one Submit call. QueueID is set only for
// queued outcomes; Response only for submitted ones.
type Result struct {
	Status   string                      `json:"status"`
	QueueID  string                      `json:"queue_id,omitempty"`
	Response *backend.SubmissionResponse `json:"response,omitempty"`
}

// Orchestrator turns one answer set into either a completed network
// submission or a queued record. One logical operation per call; it does
// not de-duplicate concurrent submissions for the same (template,
// vehicle) pair.
type Orchestrator struct {
	Store  *store.Store
	Client Submitter
	// Online reports current connectivity. nil assumes online and lets
	// the network attempt classify the truth.
	Online func(ctx context.Context) bool
	Now    func() time.Time
}

func New(st *store.Store, client Submitter) *Orchestrator {
	return &Orchestrator{Store: st, Client: client}
}

// Submit runs the preparing -> uploading -> {completed | queued | error}
// state machine. Connectivity failures are absorbed into a queued result;
// every other failure propagates after an error emission. Cancellation of
// ctx aborts the in-flight network call.
func (o *Orchestrator) Submit(ctx context.Context, opts Options) (Result, error) {
	emit := opts.Progress
	if emit == nil {
		emit = func(domain.Progress) {}
	}
	mode := opts.Mode
	if mode == "" {
		mode = domain.ModeFinal
	}
	emit(domain.Progress{Phase: domain.PhasePreparing, Mode: mode})

	serialized, err := o.answerSet(opts)
	if err != nil {
		emit(domain.Progress{Phase: domain.PhaseError, Mode: mode, Err: err, Message: err.Error()})
		return Result{}, err
	}
	payload, err := codec.BuildSubmissionPayload(ctx, serialized, codec.PayloadOptions{
		TemplateID: opts.TemplateID,
		VehicleID:  opts.VehicleID,
		Mode:       mode,
		Metadata:   opts.Metadata,
		Compress:   opts.Compress,
	})
	if err != nil {
		emit(domain.Progress{Phase: domain.PhaseError, Mode: mode, Err: err, Message: err.Error()})
		return Result{}, err
	}

	if o.Online != nil && !o.Online(ctx) {
		return o.enqueue(ctx, opts, mode, serialized, nil, emit)
	}

	resp, err := o.Client.SubmitInspection(ctx, payload, func(loaded, total int64) {
		emit(domain.Progress{Phase: domain.PhaseUploading, Mode: mode, Percent: domain.ProgressPercent(loaded, total), Loaded: loaded, Total: total})
	})
	if err != nil {
		if backend.IsConnectivity(err) {
			return o.enqueue(ctx, opts, mode, serialized, err, emit)
		}
		emit(domain.Progress{Phase: domain.PhaseError, Mode: mode, Err: err, Message: err.Error()})
		return Result{}, err
	}

	// The draft's job is done once its submission completes.
	if err := o.Store.ClearDraft(ctx, opts.TemplateID, opts.VehicleID); err != nil {
		return Result{}, fmt.Errorf("clear draft after submit: %w", err)
	}
	emit(domain.Progress{Phase: domain.PhaseCompleted, Mode: mode, Percent: 100})
	return Result{Status: StatusSubmitted, Response: resp}, nil
}

// enqueue absorbs an offline condition into a queued outcome. The cause,
// when present, travels on the progress event, not the error return.
func (o *Orchestrator) enqueue(ctx context.Context, opts Options, mode domain.SubmissionMode, serialized domain.SerializedAnswerSet, cause error, emit func(domain.Progress)) (Result, error) {
	q, err := o.Store.Enqueue(ctx, domain.QueuedSubmission{
		TemplateID: opts.TemplateID,
		VehicleID:  opts.VehicleID,
		Answers:    serialized,
		Metadata:   opts.Metadata,
		Mode:       mode,
	})
	if err != nil {
		emit(domain.Progress{Phase: domain.PhaseError, Mode: mode, Err: err, Message: err.Error()})
		return Result{}, err
	}
	ev := domain.Progress{Phase: domain.PhaseQueued, Mode: mode, QueueID: q.ID, Offline: true, Message: "saved for later"}
	if cause != nil {
		ev.Err = cause
	}
	emit(ev)
	return Result{Status: StatusQueued, QueueID: q.ID}, nil
}

func (o *Orchestrator) answerSet(opts Options) (domain.SerializedAnswerSet, error) {
	if opts.Serialized != nil {
		return *opts.Serialized, nil
	}
	return codec.Serialize(opts.Answers)
}
