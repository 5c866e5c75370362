package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"mime/multipart"
	"sort"
	"strings"
	"sync"

	"fieldsync/internal/domain"
)

// Compressor reduces an attachment in place. Returning an error forwards
// the original file unmodified.
type Compressor func(domain.Attachment) (domain.Attachment, error)

// DefaultCompressThreshold is the size above which images are considered
// for compression.
const DefaultCompressThreshold = int64(512 << 10)

// PayloadOptions parameterize BuildSubmissionPayload.
type PayloadOptions struct {
	TemplateID        string
	VehicleID         string
	Mode              domain.SubmissionMode
	Metadata          map[string]any
	Compress          Compressor
	CompressThreshold int64
}

// Payload is a fully assembled multipart submission body. TotalBytes and
// AttachmentCount feed upload progress estimation.
type Payload struct {
	Body            []byte
	ContentType     string
	TotalBytes      int64
	AttachmentCount int
}

type answerRecord struct {
	QuestionID string   `json:"question_id"`
	Kind       string   `json:"kind"`
	Value      any      `json:"value"`
	Duration   *float64 `json:"duration,omitempty"`
}

type payloadDoc struct {
	TemplateID string         `json:"template_id"`
	VehicleID  *string        `json:"vehicle_id"`
	Status     string         `json:"status"`
	Answers    []answerRecord `json:"answers"`
	Meta       map[string]any `json:"meta"`
}

// BuildSubmissionPayload assembles the multipart body for one answer set:
// one JSON part named payload, plus binary parts media[<qid>][],
// audio[<qid>] and signatures[<qid>]. Media attachments eligible for
// compression are compressed in parallel within their question and written
// back by original index, so completion order never reorders files.
func BuildSubmissionPayload(ctx context.Context, set domain.SerializedAnswerSet, opts PayloadOptions) (*Payload, error) {
	if opts.TemplateID == "" {
		return nil, fmt.Errorf("template id required")
	}
	status := "draft"
	if opts.Mode == domain.ModeFinal {
		status = "completed"
	}
	threshold := opts.CompressThreshold
	if threshold == 0 {
		threshold = DefaultCompressThreshold
	}

	qids := make([]string, 0, len(set.Answers))
	for qid := range set.Answers {
		qids = append(qids, qid)
	}
	sort.Strings(qids)

	doc := payloadDoc{
		TemplateID: opts.TemplateID,
		Status:     status,
		Answers:    make([]answerRecord, 0, len(qids)),
		Meta:       opts.Metadata,
	}
	if opts.VehicleID != "" {
		v := opts.VehicleID
		doc.VehicleID = &v
	}
	if doc.Meta == nil {
		doc.Meta = map[string]any{}
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	var attachmentBytes int64
	attachments := 0

	writeFile := func(field, name string, data []byte) error {
		part, err := w.CreateFormFile(field, name)
		if err != nil {
			return err
		}
		if _, err := part.Write(data); err != nil {
			return err
		}
		attachmentBytes += int64(len(data))
		attachments++
		return nil
	}

	var binParts []func() error
	for _, qid := range qids {
		entry := set.Answers[qid]
		rec := answerRecord{QuestionID: qid, Kind: string(entry.Kind)}
		switch entry.Kind {
		case domain.KindValue:
			rec.Value = entry.Value
		case domain.KindMedia:
			files := compressFiles(ctx, entry.Files, opts.Compress, threshold)
			qid := qid
			binParts = append(binParts, func() error {
				for _, f := range files {
					if err := writeFile(fmt.Sprintf("media[%s][]", qid), f.Name, f.Data); err != nil {
						return err
					}
				}
				return nil
			})
		case domain.KindAudio:
			if len(entry.Files) == 0 {
				return nil, &DecodeError{Reason: fmt.Sprintf("question %s: audio entry without attachment", qid)}
			}
			rec.Duration = entry.Duration
			qid, f := qid, entry.Files[0]
			binParts = append(binParts, func() error {
				return writeFile(fmt.Sprintf("audio[%s]", qid), f.Name, f.Data)
			})
		case domain.KindSignature:
			sig, err := DecodeSignature(entry.Signature)
			if err != nil {
				return nil, fmt.Errorf("question %s: %w", qid, err)
			}
			qid := qid
			binParts = append(binParts, func() error {
				return writeFile(fmt.Sprintf("signatures[%s]", qid), sig.Name, sig.Data)
			})
		default:
			return nil, fmt.Errorf("question %s: unknown answer kind %q", qid, entry.Kind)
		}
		doc.Answers = append(doc.Answers, rec)
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal payload doc: %w", err)
	}
	field, err := w.CreateFormField("payload")
	if err != nil {
		return nil, err
	}
	if _, err := field.Write(docJSON); err != nil {
		return nil, err
	}
	for _, write := range binParts {
		if err := write(); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return &Payload{
		Body:            body.Bytes(),
		ContentType:     w.FormDataContentType(),
		TotalBytes:      attachmentBytes + int64(len(docJSON)),
		AttachmentCount: attachments,
	}, nil
}

// compressFiles runs the compressor over eligible files concurrently.
// Results land at their original index, which guards against a
// parallel-completion race reordering the question's files.
func compressFiles(ctx context.Context, files []domain.Attachment, compress Compressor, threshold int64) []domain.Attachment {
	out := make([]domain.Attachment, len(files))
	copy(out, files)
	if compress == nil {
		return out
	}
	var wg sync.WaitGroup
	for i, f := range files {
		if !compressible(f, threshold) {
			continue
		}
		wg.Add(1)
		go func(i int, f domain.Attachment) {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			c, err := compress(f)
			if err != nil || len(c.Data) == 0 || len(c.Data) >= len(f.Data) {
				return
			}
			out[i] = c
		}(i, f)
	}
	wg.Wait()
	return out
}

func compressible(f domain.Attachment, threshold int64) bool {
	switch f.MIME {
	case "image/jpeg", "image/jpg", "image/png":
		return int64(len(f.Data)) > threshold
	default:
		return false
	}
}

// JPEGCompressor re-encodes an image attachment as JPEG at the given
// quality.
func JPEGCompressor(quality int) Compressor {
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return func(f domain.Attachment) (domain.Attachment, error) {
		img, _, err := image.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return f, err
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return f, err
		}
		name := f.Name
		if i := strings.LastIndexByte(name, '.'); i > 0 {
			name = name[:i]
		}
		return domain.Attachment{Name: name + ".jpg", MIME: "image/jpeg", Data: buf.Bytes()}, nil
	}
}
