package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fieldsync/internal/codec"
	"fieldsync/internal/domain"
)

// Client talks to the inspection backend. Authentication is a bearer
// token supplied by the host application; the client only carries it.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// APIError wraps non-2xx responses. An APIError means the server was
// reached, so it is never classified as a connectivity failure.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmissionResponse is the server record for an accepted submission.
type SubmissionResponse struct {
	ID          string `json:"id"`
	TemplateID  string `json:"template_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// Template is the live question-set definition, versioned monotonically.
type Template struct {
	ID       string    `json:"id"`
	Version  int       `json:"version"`
	Sections []Section `json:"sections"`
}

type Section struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

type Question struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// SectionIDs returns the template's section ids in order.
func (t *Template) SectionIDs() []string {
	ids := make([]string, 0, len(t.Sections))
	for _, s := range t.Sections {
		ids = append(ids, s.ID)
	}
	return ids
}

// SubmitInspection posts an assembled multipart payload. onProgress, if
// set, receives request-body byte counts as they go out.
func (c *Client) SubmitInspection(ctx context.Context, p *codec.Payload, onProgress func(loaded, total int64)) (*SubmissionResponse, error) {
	var body io.Reader = bytes.NewReader(p.Body)
	if onProgress != nil {
		body = &progressReader{r: body, total: int64(len(p.Body)), report: onProgress}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("v1/inspections"), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", p.ContentType)
	req.ContentLength = int64(len(p.Body))
	c.authorize(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out SubmissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode submission response: %w", err)
	}
	return &out, nil
}

// UploadFile posts one attachment to the media endpoint and returns the
// stored object key.
func (c *Client) UploadFile(ctx context.Context, prefix string, att domain.Attachment, onProgress func(loaded, total int64)) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if prefix != "" {
		if err := w.WriteField("prefix", prefix); err != nil {
			return "", err
		}
	}
	part, err := w.CreateFormFile("file", att.Name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(att.Data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var body io.Reader = bytes.NewReader(buf.Bytes())
	if onProgress != nil {
		body = &progressReader{r: body, total: int64(buf.Len()), report: onProgress}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("v1/media"), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.ContentLength = int64(buf.Len())
	c.authorize(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.Key == "" {
		return "", fmt.Errorf("upload response missing key")
	}
	return out.Key, nil
}

// FetchTemplate returns the live template definition by id.
func (c *Client) FetchTemplate(ctx context.Context, templateID string) (*Template, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("v1/templates/"+url.PathEscape(templateID)), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out Template
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &out, nil
}

// TokenExpiry parses the bearer token without verifying it and returns
// its expiry, if it is a JWT carrying one. Callers use this to warn about
// a doomed submission before spending the network attempt.
func (c *Client) TokenExpiry() (time.Time, bool) {
	if c.BearerToken == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(c.BearerToken, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) endpoint(p string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(p, "/")
}

// progressReader reports cumulative bytes read from the request body.
type progressReader struct {
	r      io.Reader
	total  int64
	loaded int64
	report func(loaded, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.report(p.loaded, p.total)
	}
	return n, err
}
