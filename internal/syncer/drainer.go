package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/backend"
	"fieldsync/internal/codec"
	"fieldsync/internal/domain"
	"fieldsync/internal/store"
	"fieldsync/internal/submit"
	"fieldsync/internal/uploader"
)

const (
	defaultAttempts = 2
	defaultBackoff  = 600 * time.Millisecond
)

// Report summarizes one drain pass.
type Report struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Drainer walks the queue FIFO by CreatedAt and retries pending
// submissions. Per-item failures are recovered locally; a connectivity
// failure halts the whole pass on the assumption the link is still down.
type Drainer struct {
	Store    *store.Store
	Client   submit.Submitter
	Attempts int
	Backoff  time.Duration
	Compress codec.Compressor
	Sleep    func(time.Duration)
	// Uploads, when set, mirrors each item's attachments to object
	// storage before the submission attempt. Object keys land on the
	// matching draft when one still exists.
	Uploads      *uploader.Coordinator
	UploadPrefix string
}

func New(st *store.Store, client submit.Submitter) *Drainer {
	return &Drainer{Store: st, Client: client}
}

func (d *Drainer) attempts() int {
	if d.Attempts > 0 {
		return d.Attempts
	}
	return defaultAttempts
}

func (d *Drainer) backoff() time.Duration {
	if d.Backoff > 0 {
		return d.Backoff
	}
	return defaultBackoff
}

func (d *Drainer) sleep(ctx context.Context, dur time.Duration) {
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Drain processes every queued submission in order. notify may be nil.
func (d *Drainer) Drain(ctx context.Context, notify func(domain.Progress)) (Report, error) {
	if notify == nil {
		notify = func(domain.Progress) {}
	}
	items, err := d.Store.ListQueued(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Total: len(items)}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		notify(domain.Progress{Phase: domain.PhaseUploading, Mode: item.Mode, QueueID: item.ID, Message: "syncing"})
		err := d.drainOne(ctx, item, notify)
		if err == nil {
			if rmErr := d.Store.RemoveQueued(ctx, item.ID); rmErr != nil {
				return report, rmErr
			}
			report.Success++
			notify(domain.Progress{Phase: domain.PhaseCompleted, Mode: item.Mode, QueueID: item.ID})
			continue
		}
		report.Failed++
		attempts := item.Attempts + 1
		lastErr := err.Error()
		if uErr := d.Store.UpdateQueued(ctx, item.ID, store.QueuePatch{Attempts: &attempts, LastError: &lastErr}); uErr != nil {
			return report, uErr
		}
		notify(domain.Progress{Phase: domain.PhaseError, Mode: item.Mode, QueueID: item.ID, Err: err, Message: lastErr})
		if backend.IsConnectivity(err) {
			// Remaining items stay queued; connectivity is presumed
			// still down.
			break
		}
	}
	return report, nil
}

// drainOne rebuilds the payload from the stored answer set and attempts
// the upload with bounded exponential backoff.
func (d *Drainer) drainOne(ctx context.Context, item domain.QueuedSubmission, notify func(domain.Progress)) error {
	if d.Uploads != nil {
		if err := d.uploadAttachments(ctx, item, notify); err != nil {
			return err
		}
	}
	payload, err := codec.BuildSubmissionPayload(ctx, item.Answers, codec.PayloadOptions{
		TemplateID: item.TemplateID,
		VehicleID:  item.VehicleID,
		Mode:       item.Mode,
		Metadata:   item.Metadata,
		Compress:   d.Compress,
	})
	if err != nil {
		return err
	}
	var lastErr error
	backoff := d.backoff()
	for attempt := 0; attempt < d.attempts(); attempt++ {
		if attempt > 0 {
			d.sleep(ctx, backoff)
			backoff *= 2
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := d.Client.SubmitInspection(ctx, payload, func(loaded, total int64) {
			notify(domain.Progress{Phase: domain.PhaseUploading, Mode: item.Mode, QueueID: item.ID, Percent: domain.ProgressPercent(loaded, total), Loaded: loaded, Total: total})
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// uploadAttachments pushes the item's media and audio files through the
// upload coordinator, retrying the failed subset before giving up. Any
// file still failed keeps the item queued for the next pass.
func (d *Drainer) uploadAttachments(ctx context.Context, item domain.QueuedSubmission, notify func(domain.Progress)) error {
	jobs := uploader.JobsFromAnswers(item.Answers)
	if len(jobs) == 0 {
		return nil
	}
	byID := make(map[string]uploader.Job, len(jobs))
	for _, j := range jobs {
		byID[j.FileID] = j
	}
	onTask := func(u uploader.TaskUpdate) {
		notify(domain.Progress{
			Phase:   domain.PhaseUploading,
			Mode:    item.Mode,
			QueueID: item.ID,
			Percent: u.Progress,
			Message: string(u.Status),
		})
	}
	res := d.Uploads.UploadAll(ctx, jobs, d.UploadPrefix, onTask)
	if len(res.Failed) > 0 {
		retried := d.Uploads.RetryFailed(ctx, res.Failed, byID, d.UploadPrefix, 0, onTask)
		res.Uploaded = append(res.Uploaded, retried.Uploaded...)
		res.Failed = retried.Failed
	}
	// The draft is gone once the inspector finalized while online; keys
	// then ride only in the submission payload.
	if err := uploader.MergeResult(ctx, d.Store, item.TemplateID, item.VehicleID, res); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d attachment uploads failed", len(res.Failed), len(jobs))
	}
	return nil
}
