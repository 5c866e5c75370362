package codec_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"reflect"
	"strings"
	"testing"

	"fieldsync/internal/codec"
	"fieldsync/internal/domain"
)

func pngDataURI(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

func TestSerializeRoundTrip(t *testing.T) {
	sig := pngDataURI([]byte{0x89, 0x50, 0x4e, 0x47})
	answers := map[string]domain.AnswerEntry{
		"q-value": domain.ValueAnswer("ok"),
		"q-media": domain.MediaAnswer(
			domain.Attachment{Name: "a.jpg", MIME: "image/jpeg", Data: []byte{1, 2, 3}},
			domain.Attachment{Name: "b.jpg", MIME: "image/jpeg", Data: []byte{4, 5}},
		),
		"q-sig":   domain.SignatureAnswer(sig),
		"q-audio": domain.AudioAnswer(domain.Attachment{Name: "note.m4a", MIME: "audio/mp4", Data: []byte{9, 9}}, 12.5),
	}
	set, err := codec.Serialize(answers)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if set.Version != codec.SetVersion {
		t.Fatalf("version = %d, want %d", set.Version, codec.SetVersion)
	}
	if set.UpdatedAt == "" {
		t.Fatalf("updated_at not stamped")
	}
	restored, err := codec.Deserialize(set)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !reflect.DeepEqual(restored, answers) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", restored, answers)
	}
}

func TestSerializeDropsAbsentValues(t *testing.T) {
	set, err := codec.Serialize(map[string]domain.AnswerEntry{
		"q-nil":   {Kind: domain.KindValue, Value: nil},
		"q-empty": {Kind: domain.KindMedia},
		"q-none":  {},
		"q-kept":  domain.ValueAnswer(42),
	})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(set.Answers) != 1 {
		t.Fatalf("answers = %d, want only q-kept", len(set.Answers))
	}
	if _, ok := set.Answers["q-kept"]; !ok {
		t.Fatalf("q-kept missing")
	}
}

func TestSerializeRejectsBadSignature(t *testing.T) {
	_, err := codec.Serialize(map[string]domain.AnswerEntry{
		"q-sig": domain.SignatureAnswer("data:image/png;base64,%%%not-base64"),
	})
	var de *codec.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestDecodeSignature(t *testing.T) {
	raw := []byte("stroke-points")
	att, err := codec.DecodeSignature(pngDataURI(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if att.MIME != "image/png" || att.Name != "signature.png" || !bytes.Equal(att.Data, raw) {
		t.Fatalf("unexpected attachment %+v", att)
	}

	// non-data string
	if _, err := codec.DecodeSignature("http://example.com/sig.png"); err == nil {
		t.Fatalf("expected error for plain URL")
	}
	// unknown encoding surfaces the environment sentinel
	_, err = codec.DecodeSignature("data:image/png;base85,abc")
	if !errors.Is(err, codec.ErrUnsupportedEnvironment) {
		t.Fatalf("expected ErrUnsupportedEnvironment, got %v", err)
	}
}

func TestDeserializeUnknownKind(t *testing.T) {
	_, err := codec.Deserialize(domain.SerializedAnswerSet{
		Version: codec.SetVersion,
		Answers: map[string]domain.AnswerEntry{"q": {Kind: "hologram"}},
	})
	var de *codec.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestBuildSubmissionPayload(t *testing.T) {
	sig := pngDataURI([]byte{7, 7, 7})
	set := domain.SerializedAnswerSet{
		Version: codec.SetVersion,
		Answers: map[string]domain.AnswerEntry{
			"b-media": domain.MediaAnswer(
				domain.Attachment{Name: "one.jpg", MIME: "image/jpeg", Data: []byte{1}},
				domain.Attachment{Name: "two.jpg", MIME: "image/jpeg", Data: []byte{2}},
			),
			"a-value": domain.ValueAnswer("yes"),
			"c-sig":   domain.SignatureAnswer(sig),
			"d-audio": domain.AudioAnswer(domain.Attachment{Name: "v.m4a", MIME: "audio/mp4", Data: []byte{3}}, 4),
		},
	}
	p, err := codec.BuildSubmissionPayload(context.Background(), set, codec.PayloadOptions{
		TemplateID: "tpl-1",
		VehicleID:  "veh-9",
		Mode:       domain.ModeFinal,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.AttachmentCount != 4 {
		t.Fatalf("attachment count = %d, want 4", p.AttachmentCount)
	}

	_, params, found := strings.Cut(p.ContentType, "boundary=")
	if !found {
		t.Fatalf("no boundary in content type %q", p.ContentType)
	}
	r := multipart.NewReader(bytes.NewReader(p.Body), params)

	var names []string
	var doc struct {
		TemplateID string  `json:"template_id"`
		VehicleID  *string `json:"vehicle_id"`
		Status     string  `json:"status"`
		Answers    []struct {
			QuestionID string `json:"question_id"`
			Kind       string `json:"kind"`
		} `json:"answers"`
	}
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		names = append(names, part.FormName())
		if part.FormName() == "payload" {
			if err := json.NewDecoder(part).Decode(&doc); err != nil {
				t.Fatalf("decode payload doc: %v", err)
			}
		}
	}
	wantNames := []string{"payload", "media[b-media][]", "media[b-media][]", "signatures[c-sig]", "audio[d-audio]"}
	if !reflect.DeepEqual(names, wantNames) {
		t.Fatalf("part names = %v, want %v", names, wantNames)
	}
	if doc.TemplateID != "tpl-1" || doc.VehicleID == nil || *doc.VehicleID != "veh-9" {
		t.Fatalf("doc identity wrong: %+v", doc)
	}
	if doc.Status != "completed" {
		t.Fatalf("status = %q, want completed for final mode", doc.Status)
	}
	gotOrder := make([]string, 0, len(doc.Answers))
	for _, a := range doc.Answers {
		gotOrder = append(gotOrder, a.QuestionID)
	}
	wantOrder := []string{"a-value", "b-media", "c-sig", "d-audio"}
	if !reflect.DeepEqual(gotOrder, wantOrder) {
		t.Fatalf("answer order = %v, want %v", gotOrder, wantOrder)
	}
}

func TestBuildSubmissionPayloadDraftStatus(t *testing.T) {
	p, err := codec.BuildSubmissionPayload(context.Background(), domain.SerializedAnswerSet{}, codec.PayloadOptions{
		TemplateID: "tpl-1",
		Mode:       domain.ModeDraft,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Contains(p.Body, []byte(`"status":"draft"`)) {
		t.Fatalf("draft mode should produce draft status")
	}
}

func TestBuildSubmissionPayloadRequiresTemplate(t *testing.T) {
	_, err := codec.BuildSubmissionPayload(context.Background(), domain.SerializedAnswerSet{}, codec.PayloadOptions{})
	if err == nil {
		t.Fatalf("expected error without template id")
	}
}

// Stored answer sets arrive from outside callers too; an audio entry
// stripped of its attachment must fail the build, not panic it.
func TestBuildSubmissionPayloadRejectsEmptyAudio(t *testing.T) {
	set := domain.SerializedAnswerSet{
		Version: codec.SetVersion,
		Answers: map[string]domain.AnswerEntry{
			"q-audio": {Kind: domain.KindAudio},
		},
	}
	_, err := codec.BuildSubmissionPayload(context.Background(), set, codec.PayloadOptions{TemplateID: "tpl-1"})
	var decodeErr *codec.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("err = %v, want a decode error", err)
	}
}

// Compression runs per-file goroutines; the output must keep original file
// order no matter which compression finishes first.
func TestCompressionKeepsFileOrder(t *testing.T) {
	big := func(b byte) []byte { return bytes.Repeat([]byte{b}, 64) }
	set := domain.SerializedAnswerSet{
		Version: codec.SetVersion,
		Answers: map[string]domain.AnswerEntry{
			"q": domain.MediaAnswer(
				domain.Attachment{Name: "f0.png", MIME: "image/png", Data: big(0)},
				domain.Attachment{Name: "f1.png", MIME: "image/png", Data: big(1)},
				domain.Attachment{Name: "f2.png", MIME: "image/png", Data: big(2)},
			),
		},
	}
	compress := func(f domain.Attachment) (domain.Attachment, error) {
		// shrink to a single marker byte identifying the source file
		return domain.Attachment{Name: f.Name, MIME: f.MIME, Data: f.Data[:1]}, nil
	}
	p, err := codec.BuildSubmissionPayload(context.Background(), set, codec.PayloadOptions{
		TemplateID:        "tpl-1",
		Compress:          compress,
		CompressThreshold: 1,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, params, _ := strings.Cut(p.ContentType, "boundary=")
	r := multipart.NewReader(bytes.NewReader(p.Body), params)
	var got []byte
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		if part.FormName() != "payload" {
			data, _ := io.ReadAll(part)
			if len(data) != 1 {
				t.Fatalf("file %s not compressed: %d bytes", part.FileName(), len(data))
			}
			got = append(got, data[0])
		}
	}
	if !bytes.Equal(got, []byte{0, 1, 2}) {
		t.Fatalf("file order = %v, want [0 1 2]", got)
	}
}
