package uploader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fieldsync/internal/domain"
)

// DefaultConcurrency bounds simultaneous in-flight uploads.
const DefaultConcurrency = 3

// compression owns the 0-10 band of a file's progress; upload progress is
// remapped into 10-100.
const compressBand = 10

// TaskStatus is the per-file pipeline state.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusCompressing TaskStatus = "compressing"
	StatusUploading   TaskStatus = "uploading"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
)

// Job is one attachment to upload, tied back to its question and original
// file index.
type Job struct {
	FileID     string
	QuestionID string
	Index      int
	File       domain.Attachment
}

// TaskUpdate is emitted on every per-file state or progress change.
// Progress is monotonic per file.
type TaskUpdate struct {
	FileID     string     `json:"file_id"`
	QuestionID string     `json:"question_id"`
	Index      int        `json:"index"`
	Status     TaskStatus `json:"status"`
	Progress   int        `json:"progress"`
	Key        string     `json:"key,omitempty"`
	Err        error      `json:"-"`
}

// UploadedFile records a completed upload.
type UploadedFile struct {
	FileID     string `json:"file_id"`
	QuestionID string `json:"question_id"`
	Index      int    `json:"index"`
	Key        string `json:"key"`
	FileName   string `json:"file_name"`
}

// FailedFile records a terminal failure.
type FailedFile struct {
	FileID     string `json:"file_id"`
	QuestionID string `json:"question_id"`
	Index      int    `json:"index"`
	FileName   string `json:"file_name"`
	Err        error  `json:"-"`
}

// Result partitions a batch into uploaded and failed files.
type Result struct {
	Uploaded []UploadedFile
	Failed   []FailedFile
}

// JobsFromAnswers flattens an answer set's media and audio attachments
// into upload jobs, question by question in sorted order. File ids are
// <question>:<index>, stable across retries of the same set.
func JobsFromAnswers(set domain.SerializedAnswerSet) []Job {
	qids := make([]string, 0, len(set.Answers))
	for qid := range set.Answers {
		qids = append(qids, qid)
	}
	sort.Strings(qids)
	var jobs []Job
	for _, qid := range qids {
		entry := set.Answers[qid]
		if entry.Kind != domain.KindMedia && entry.Kind != domain.KindAudio {
			continue
		}
		for i, f := range entry.Files {
			jobs = append(jobs, Job{
				FileID:     fmt.Sprintf("%s:%d", qid, i),
				QuestionID: qid,
				Index:      i,
				File:       f,
			})
		}
	}
	return jobs
}

// FileUploader is the transport the coordinator drives; satisfied by
// backend.Client.
type FileUploader interface {
	UploadFile(ctx context.Context, prefix string, att domain.Attachment, onProgress func(loaded, total int64)) (string, error)
}

// Transcoder converts HEIC/HEIF input to a standard raster format. A nil
// transcoder, or a failing one, forwards the original file unmodified.
type Transcoder func(domain.Attachment) (domain.Attachment, error)

// Compressor optionally shrinks an attachment before upload.
type Compressor func(domain.Attachment) (domain.Attachment, error)

// Coordinator uploads batches of attachments with a bounded number in
// flight. A slot is handed to the next pending file as soon as any file
// reaches a terminal state.
type Coordinator struct {
	Client      FileUploader
	Concurrency int
	Transcode   Transcoder
	Compress    Compressor
	Eligible    func(domain.Attachment) bool
	Sleep       func(time.Duration)
}

func New(client FileUploader) *Coordinator {
	return &Coordinator{
		Client:      client,
		Concurrency: DefaultConcurrency,
	}
}

func (c *Coordinator) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return DefaultConcurrency
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// UploadAll pushes every job to a terminal state and resolves only once
// all of them are terminal. notify may be nil.
func (c *Coordinator) UploadAll(ctx context.Context, jobs []Job, prefix string, notify func(TaskUpdate)) Result {
	if notify == nil {
		notify = func(TaskUpdate) {}
	}
	sem := make(chan struct{}, c.concurrency())
	var wg sync.WaitGroup
	var mu sync.Mutex
	var res Result

	for _, job := range jobs {
		notify(TaskUpdate{FileID: job.FileID, QuestionID: job.QuestionID, Index: job.Index, Status: StatusPending})
	}
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			key, err := c.uploadOne(ctx, job, prefix, notify)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, FailedFile{
					FileID: job.FileID, QuestionID: job.QuestionID, Index: job.Index,
					FileName: job.File.Name, Err: err,
				})
				return
			}
			res.Uploaded = append(res.Uploaded, UploadedFile{
				FileID: job.FileID, QuestionID: job.QuestionID, Index: job.Index,
				Key: key, FileName: job.File.Name,
			})
		}(job)
	}
	wg.Wait()
	return res
}

func (c *Coordinator) uploadOne(ctx context.Context, job Job, prefix string, notify func(TaskUpdate)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	file := job.File
	if c.Transcode != nil && isHEIC(file.MIME) {
		if converted, err := c.Transcode(file); err == nil {
			file = converted
		}
	}
	if c.Compress != nil && c.eligible(file) {
		notify(TaskUpdate{FileID: job.FileID, QuestionID: job.QuestionID, Index: job.Index, Status: StatusCompressing, Progress: 0})
		if shrunk, err := c.Compress(file); err == nil && len(shrunk.Data) > 0 && len(shrunk.Data) < len(file.Data) {
			file = shrunk
		}
	}
	notify(TaskUpdate{FileID: job.FileID, QuestionID: job.QuestionID, Index: job.Index, Status: StatusUploading, Progress: compressBand})
	key, err := c.Client.UploadFile(ctx, prefix, file, func(loaded, total int64) {
		pct := compressBand
		if total > 0 {
			pct = compressBand + int(float64(loaded)/float64(total)*float64(100-compressBand))
		}
		if pct > 100 {
			pct = 100
		}
		notify(TaskUpdate{FileID: job.FileID, QuestionID: job.QuestionID, Index: job.Index, Status: StatusUploading, Progress: pct})
	})
	if err != nil {
		notify(TaskUpdate{FileID: job.FileID, QuestionID: job.QuestionID, Index: job.Index, Status: StatusFailed, Err: err})
		return "", err
	}
	notify(TaskUpdate{FileID: job.FileID, QuestionID: job.QuestionID, Index: job.Index, Status: StatusCompleted, Progress: 100, Key: key})
	return key, nil
}

func (c *Coordinator) eligible(f domain.Attachment) bool {
	if c.Eligible != nil {
		return c.Eligible(f)
	}
	switch f.MIME {
	case "image/jpeg", "image/jpg", "image/png":
		return true
	default:
		return false
	}
}

func isHEIC(mime string) bool {
	switch mime {
	case "image/heic", "image/heif":
		return true
	default:
		return false
	}
}

// RetryFailed resubmits only the failed subset with escalating backoff
// (1s, 2s, 4s) between rounds, accumulating successes until no failures
// remain or maxRetries rounds are spent.
func (c *Coordinator) RetryFailed(ctx context.Context, failed []FailedFile, jobs map[string]Job, prefix string, maxRetries int, notify func(TaskUpdate)) Result {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var res Result
	remaining := failed
	backoff := time.Second
	for round := 0; round < maxRetries && len(remaining) > 0; round++ {
		if round > 0 {
			backoff *= 2
		}
		if ctx.Err() != nil {
			break
		}
		c.sleep(ctx, backoff)
		var batch []Job
		for _, f := range remaining {
			job, ok := jobs[f.FileID]
			if !ok {
				res.Failed = append(res.Failed, FailedFile{
					FileID: f.FileID, QuestionID: f.QuestionID, Index: f.Index,
					FileName: f.FileName, Err: fmt.Errorf("no job for file %s", f.FileID),
				})
				continue
			}
			batch = append(batch, job)
		}
		if len(batch) == 0 {
			break
		}
		attempt := c.UploadAll(ctx, batch, prefix, notify)
		res.Uploaded = append(res.Uploaded, attempt.Uploaded...)
		remaining = attempt.Failed
	}
	res.Failed = append(res.Failed, remaining...)
	return res
}

// MergeResult writes completed upload keys into a draft's uploadedMedia
// map at their original indexes via the given store.
type MediaMerger interface {
	MergeUploadedMedia(ctx context.Context, templateID, vehicleID, questionID string, index int, objectKey string) error
}

// MergeResult records every uploaded key against the draft, slot by slot.
func MergeResult(ctx context.Context, merger MediaMerger, templateID, vehicleID string, res Result) error {
	for _, up := range res.Uploaded {
		if err := merger.MergeUploadedMedia(ctx, templateID, vehicleID, up.QuestionID, up.Index, up.Key); err != nil {
			return fmt.Errorf("merge %s[%d]: %w", up.QuestionID, up.Index, err)
		}
	}
	return nil
}
