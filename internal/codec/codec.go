package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/domain"
)

// SetVersion is stamped on every serialized answer set so future layout
// changes can be told apart from old records.
const SetVersion = 2

// DecodeError reports malformed embedded-data content.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode: " + e.Reason
}

// ErrUnsupportedEnvironment is returned when an embedded-data string uses
// an encoding the runtime has no decoder for.
var ErrUnsupportedEnvironment = fmt.Errorf("unsupported embedded-data encoding")

// Serialize converts an in-memory answers map into its versioned,
// transport-safe form. Entries with an absent value are dropped rather
// than stored as null.
func Serialize(answers map[string]domain.AnswerEntry) (domain.SerializedAnswerSet, error) {
	set := domain.SerializedAnswerSet{
		Version:   SetVersion,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Answers:   map[string]domain.AnswerEntry{},
	}
	for qid, entry := range answers {
		switch entry.Kind {
		case domain.KindValue:
			if entry.Value == nil {
				continue
			}
			set.Answers[qid] = domain.AnswerEntry{Kind: domain.KindValue, Value: entry.Value}
		case domain.KindMedia:
			if len(entry.Files) == 0 {
				continue
			}
			set.Answers[qid] = domain.AnswerEntry{Kind: domain.KindMedia, Files: entry.Files}
		case domain.KindSignature:
			if entry.Signature == "" {
				continue
			}
			if _, err := DecodeSignature(entry.Signature); err != nil {
				return domain.SerializedAnswerSet{}, fmt.Errorf("question %s: %w", qid, err)
			}
			set.Answers[qid] = domain.AnswerEntry{Kind: domain.KindSignature, Signature: entry.Signature}
		case domain.KindAudio:
			if len(entry.Files) == 0 {
				continue
			}
			set.Answers[qid] = domain.AnswerEntry{Kind: domain.KindAudio, Files: entry.Files[:1], Duration: entry.Duration}
		case "":
			continue
		default:
			return domain.SerializedAnswerSet{}, fmt.Errorf("question %s: unknown answer kind %q", qid, entry.Kind)
		}
	}
	return set, nil
}

// Deserialize is the exact inverse of Serialize. Media entries yield their
// ordered attachments, audio yields one attachment plus duration,
// signature yields the raw encoded string, value yields the stored value.
func Deserialize(set domain.SerializedAnswerSet) (map[string]domain.AnswerEntry, error) {
	out := make(map[string]domain.AnswerEntry, len(set.Answers))
	for qid, entry := range set.Answers {
		switch entry.Kind {
		case domain.KindValue:
			out[qid] = domain.ValueAnswer(entry.Value)
		case domain.KindMedia:
			out[qid] = domain.MediaAnswer(entry.Files...)
		case domain.KindSignature:
			out[qid] = domain.SignatureAnswer(entry.Signature)
		case domain.KindAudio:
			if len(entry.Files) == 0 {
				return nil, &DecodeError{Reason: fmt.Sprintf("question %s: audio entry without attachment", qid)}
			}
			var dur float64
			if entry.Duration != nil {
				dur = *entry.Duration
			}
			out[qid] = domain.AudioAnswer(entry.Files[0], dur)
		default:
			return nil, &DecodeError{Reason: fmt.Sprintf("question %s: unknown answer kind %q", qid, entry.Kind)}
		}
	}
	return out, nil
}

// DecodeSignature reconstructs the embedded image from a data URI.
func DecodeSignature(dataURI string) (domain.Attachment, error) {
	if !strings.HasPrefix(dataURI, "data:") {
		return domain.Attachment{}, &DecodeError{Reason: "signature is not an embedded-data string"}
	}
	rest := dataURI[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return domain.Attachment{}, &DecodeError{Reason: "embedded-data string has no payload separator"}
	}
	meta, payload := rest[:comma], rest[comma+1:]
	mime := meta
	encoding := ""
	if i := strings.IndexByte(meta, ';'); i >= 0 {
		mime = meta[:i]
		encoding = meta[i+1:]
	}
	if encoding != "base64" {
		return domain.Attachment{}, fmt.Errorf("signature encoding %q: %w", encoding, ErrUnsupportedEnvironment)
	}
	if mime == "" {
		mime = "image/png"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return domain.Attachment{}, &DecodeError{Reason: "invalid base64 payload: " + err.Error()}
	}
	return domain.Attachment{
		Name: "signature" + extensionFor(mime),
		MIME: mime,
		Data: data,
	}, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
