package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrStatus is wrapped by every non-2xx response error.
var ErrStatus = errors.New("upstream returned error status")

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// AskRequest is the body of the streaming question call.
type AskRequest struct {
	ThreadID      string   `json:"thread_id"`
	Query         string   `json:"query"`
	UserID        string   `json:"user_id"`
	DocumentNames []string `json:"document_names"`
}

// Client talks to the AI service that owns retrieval and answering.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New builds a client for baseURL. timeout bounds the non-streaming calls;
// streams are bounded by the caller's context.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
	}
}

// Stream is an open /ask-stream/ response.
type Stream struct {
	body   io.ReadCloser
	reader *Reader
}

// NewStream wraps an event-stream body.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, reader: NewReader(body)}
}

func (s *Stream) Next() (Event, error) { return s.reader.Next() }

func (s *Stream) Close() error { return s.body.Close() }

// AskStream opens the event stream for one question. The caller must Close it.
func (c *Client) AskStream(ctx context.Context, req AskRequest) (*Stream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode ask request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ask-stream/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ask request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ask stream: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return NewStream(resp.Body), nil
}

// UploadPDF forwards a document to the AI service for indexing.
func (c *Client) UploadPDF(ctx context.Context, userID, source, filename string, file io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy upload: %w", err)
	}
	if err := mw.WriteField("user_id", userID); err != nil {
		return fmt.Errorf("write user_id: %w", err)
	}
	if err := mw.WriteField("source", source); err != nil {
		return fmt.Errorf("write source: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload-pdf/", &buf)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "upload pdf")
}

// DeleteDocument asks the AI service to drop a document's index.
func (c *Client) DeleteDocument(ctx context.Context, userID, docName string) error {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("doc_name", docName)
	return c.delete(ctx, "/delete-doc/?"+q.Encode(), "delete document")
}

// DeleteThreadState asks the AI service to drop the conversation state of a thread.
func (c *Client) DeleteThreadState(ctx context.Context, threadID string) error {
	q := url.Values{}
	q.Set("thread_id", threadID)
	return c.delete(ctx, "/delete-state/?"+q.Encode(), "delete thread state")
}

func (c *Client) delete(ctx context.Context, path, what string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", what, err)
	}
	return c.do(req, what)
}

func (c *Client) do(req *http.Request, what string) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
