package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// CodeNotFound is the GraphQL error extension code for an unknown session.
const CodeNotFound = "NOT_FOUND"

// Client covers every backend operation the interview runtime consumes.
type Client interface {
	FetchSession(ctx context.Context, token string) (Session, error)
	StartSession(ctx context.Context, token string) error
	AcceptConsent(ctx context.Context, token string) error
	SaveAnswer(ctx context.Context, input SaveAnswerInput) error
	CompleteSession(ctx context.Context, token string) error
	ReportVoiceSupport(ctx context.Context, token string, supported bool) error
	UploadVideo(ctx context.Context, token string, questionID string, mimeType string, data []byte) (string, error)
}

// GraphQLRequest is the POST body of one GraphQL call.
type GraphQLRequest struct {
	Query         string          `json:"query"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	OperationName string          `json:"operationName"`
}

// GraphQLResponse is the reply envelope of one GraphQL call.
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// GraphQLError is one entry of the errors array.
type GraphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Code returns extensions.code, or "".
func (e GraphQLError) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

// UploadResponse is the reply of the video upload endpoint.
type UploadResponse struct {
	VideoRef string `json:"videoRef"`
}

// Options configures an HTTPClient.
type Options struct {
	GraphQLURL string
	UploadURL  string
	Timeout    time.Duration
	UserAgent  string
	HTTPClient *http.Client
}

// HTTPClient is the Client backed by the GraphQL endpoint and the upload endpoint.
type HTTPClient struct {
	graphqlURL string
	uploadURL  string
	userAgent  string
	httpClient *http.Client
}

// NewHTTPClient returns a client for the configured endpoints.
func NewHTTPClient(opts Options) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		graphqlURL: strings.TrimSpace(opts.GraphQLURL),
		uploadURL:  strings.TrimSpace(opts.UploadURL),
		userAgent:  opts.UserAgent,
		httpClient: httpClient,
	}
}

// FetchSession loads the session for token. Unknown tokens yield ErrNotFound.
func (c *HTTPClient) FetchSession(ctx context.Context, token string) (Session, error) {
	var data struct {
		InterviewSession *Session `json:"interviewSession"`
	}
	if err := c.do(ctx, OpFetchSession, map[string]any{"token": token}, &data); err != nil {
		return Session{}, err
	}
	if data.InterviewSession == nil {
		return Session{}, ErrNotFound
	}
	session := *data.InterviewSession
	sortQuestions(session.Questions)
	return session, nil
}

// StartSession marks the session started. The backend treats repeats as no-ops.
func (c *HTTPClient) StartSession(ctx context.Context, token string) error {
	return c.mutate(ctx, OpStart, "startInterviewSession", map[string]any{"token": token})
}

// AcceptConsent records consent acceptance.
func (c *HTTPClient) AcceptConsent(ctx context.Context, token string) error {
	return c.mutate(ctx, OpConsent, "acceptInterviewConsent", map[string]any{"token": token})
}

// SaveAnswer upserts one answer.
func (c *HTTPClient) SaveAnswer(ctx context.Context, input SaveAnswerInput) error {
	return c.mutate(ctx, OpSaveAnswer, "saveInterviewAnswer", map[string]any{"input": input})
}

// CompleteSession marks the session completed.
func (c *HTTPClient) CompleteSession(ctx context.Context, token string) error {
	return c.mutate(ctx, OpComplete, "completeInterviewSession", map[string]any{"token": token})
}

// ReportVoiceSupport records whether transcription works for this candidate.
func (c *HTTPClient) ReportVoiceSupport(ctx context.Context, token string, supported bool) error {
	return c.mutate(ctx, OpVoice, "reportVoiceSupport", map[string]any{"token": token, "supported": supported})
}

// UploadVideo posts one artifact as multipart form data and returns its reference.
func (c *HTTPClient) UploadVideo(ctx context.Context, token string, questionID string, mimeType string, data []byte) (string, error) {
	if c.uploadURL == "" {
		return "", errors.New("upload url is empty")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("token", token); err != nil {
		return "", err
	}
	if err := mw.WriteField("questionId", questionID); err != nil {
		return "", err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, uploadFilename(questionID, mimeType)))
	header.Set("Content-Type", mimeType)
	fw, err := mw.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &body)
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setUserAgent(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("upload returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if strings.TrimSpace(out.VideoRef) == "" {
		return "", errors.New("upload response has no videoRef")
	}
	return out.VideoRef, nil
}

func uploadFilename(questionID string, mimeType string) string {
	ext := "bin"
	switch {
	case strings.HasPrefix(mimeType, "video/webm"), strings.HasPrefix(mimeType, "audio/webm"):
		ext = "webm"
	case strings.HasPrefix(mimeType, "video/mp4"):
		ext = "mp4"
	case strings.HasPrefix(mimeType, "audio/wav"):
		ext = "wav"
	}
	return questionID + "." + ext
}

// mutate runs a mutation whose payload is { ok }.
func (c *HTTPClient) mutate(ctx context.Context, operation string, field string, variables map[string]any) error {
	var data map[string]struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, operation, variables, &data); err != nil {
		return err
	}
	if result, ok := data[field]; !ok || !result.OK {
		return fmt.Errorf("%s was not acknowledged", operation)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, operation string, variables map[string]any, out any) error {
	vars, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("encoding %s variables: %w", operation, err)
	}
	payload, err := json.Marshal(GraphQLRequest{
		Query:         Query(operation),
		Variables:     vars,
		OperationName: operation,
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.setUserAgent(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s returned HTTP %d: %s", operation, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var envelope GraphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", operation, err)
	}
	if len(envelope.Errors) > 0 {
		return graphQLErr(operation, envelope.Errors)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding %s data: %w", operation, err)
	}
	return nil
}

func graphQLErr(operation string, errs []GraphQLError) error {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Code() == CodeNotFound {
			return fmt.Errorf("%s: %w", operation, ErrNotFound)
		}
		messages = append(messages, e.Message)
	}
	return fmt.Errorf("%s failed: %s", operation, strings.Join(messages, "; "))
}

func (c *HTTPClient) setUserAgent(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}
