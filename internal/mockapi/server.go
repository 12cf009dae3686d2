// Package mockapi is an in-memory recruiting backend used by the sandbox command and tests.
package mockapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rbright/candor/internal/backend"
)

// OpUpload names the upload endpoint for FailNext and call recording.
const OpUpload = "Upload"

// Answer is the stored state of one saved answer.
type Answer struct {
	QuestionID string `json:"questionId"`
	Text       string `json:"text"`
	VideoRef   string `json:"videoRef,omitempty"`
	Saves      int    `json:"saves"`
}

// Upload is one received artifact.
type Upload struct {
	VideoRef   string `json:"videoRef"`
	Token      string `json:"token"`
	QuestionID string `json:"questionId"`
	MIMEType   string `json:"mimeType"`
	Size       int    `json:"size"`
}

// Call is one recorded request, in arrival order.
type Call struct {
	Operation  string
	Token      string
	QuestionID string
	At         time.Time
}

type record struct {
	session        backend.Session
	answers        map[string]*Answer
	voiceSupported *bool
}

// Server holds sessions in memory and serves the GraphQL and upload endpoints.
type Server struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*record
	uploads  map[string]Upload
	calls    []Call
	failures map[string]int
}

// Option customizes a Server.
type Option func(*Server)

// WithClock injects the clock used for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		now:      time.Now,
		sessions: make(map[string]*record),
		uploads:  make(map[string]Upload),
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed stores a session under its token, replacing any previous one.
func (s *Server) Seed(session backend.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.Status == "" {
		session.Status = backend.StatusPending
	}
	answers := make(map[string]*Answer)
	for _, id := range session.AnsweredQuestionIDs {
		answers[id] = &Answer{QuestionID: id}
	}
	session.AnsweredQuestionIDs = nil
	s.sessions[session.Token] = &record{session: session, answers: answers}
}

// SeedDemo stores a three-question demo session with a fresh token and returns the token.
func (s *Server) SeedDemo() string {
	token := uuid.NewString()
	s.Seed(backend.Session{
		Token:                  token,
		Status:                 backend.StatusPending,
		Language:               "en-US",
		DefaultQuestionSeconds: 90,
		VoiceResponseEnabled:   true,
		CandidateName:          "Sandbox Candidate",
		JobTitle:               "Backend Engineer",
		Consent: &backend.ConsentTemplate{
			ID:    "consent-demo",
			Title: "Recording consent",
			Body:  "Your answers and recordings are shared with the hiring team.",
		},
		Questions: []backend.Question{
			{ID: "q1", Position: 1, Prompt: "Tell us about yourself.", TimeLimitSeconds: 60},
			{ID: "q2", Position: 2, Prompt: "Describe a production incident you handled."},
			{ID: "q3", Position: 3, Prompt: "Why this role?", TimeLimitSeconds: 45},
		},
	})
	return token
}

// FailNext makes the next n calls of operation fail. Use OpUpload for the upload endpoint.
func (s *Server) FailNext(operation string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[operation] = n
}

// Calls returns every recorded call.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts recorded calls of one operation.
func (s *Server) CallCount(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, call := range s.calls {
		if call.Operation == operation {
			n++
		}
	}
	return n
}

// Session returns the current state of a stored session.
func (s *Server) Session(token string) (backend.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[token]
	if !ok {
		return backend.Session{}, false
	}
	return s.view(rec), true
}

// Answers returns the saved answers of a session ordered by question position.
func (s *Server) Answers(token string) []Answer {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[token]
	if !ok {
		return nil
	}
	out := make([]Answer, 0, len(rec.answers))
	for _, q := range rec.session.Questions {
		if a, ok := rec.answers[q.ID]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// VoiceSupport returns the last reported voice support, if any.
func (s *Server) VoiceSupport(token string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[token]
	if !ok || rec.voiceSupported == nil {
		return false, false
	}
	return *rec.voiceSupported, true
}

// Uploads returns every received artifact.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upload, 0, len(s.uploads))
	for _, u := range s.uploads {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

// Router serves the backend endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Post("/graphql", s.handleGraphQL)
	r.Post("/upload", s.handleUpload)
	r.Get("/sessions/{token}", s.handleGetSession)
	return r
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	session, ok := s.Session(token)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session": session,
		"answers": s.Answers(token),
	})
}

type variables struct {
	Token     string                  `json:"token"`
	Supported bool                    `json:"supported"`
	Input     backend.SaveAnswerInput `json:"input"`
}

var errUnknownOperation = errors.New("unknown operation")

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req backend.GraphQLRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var vars variables
	if len(req.Variables) > 0 {
		if err := json.Unmarshal(req.Variables, &vars); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_variables", err.Error())
			return
		}
	}
	if vars.Token == "" {
		vars.Token = vars.Input.Token
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{
		Operation:  req.OperationName,
		Token:      vars.Token,
		QuestionID: vars.Input.QuestionID,
		At:         s.now(),
	})
	if s.takeFailure(req.OperationName) {
		respondGraphQLError(w, "injected failure", "INTERNAL")
		return
	}

	data, err := s.dispatch(req.OperationName, vars)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		respondGraphQLError(w, err.Error(), backend.CodeNotFound)
	case errors.Is(err, errUnknownOperation):
		respondGraphQLError(w, fmt.Sprintf("%s: %q", err.Error(), req.OperationName), "BAD_REQUEST")
	case err != nil:
		respondGraphQLError(w, err.Error(), "BAD_USER_INPUT")
	default:
		respondJSON(w, http.StatusOK, map[string]any{"data": data})
	}
}

// dispatch runs one operation. Callers hold s.mu.
func (s *Server) dispatch(operation string, vars variables) (map[string]any, error) {
	rec, ok := s.sessions[vars.Token]
	if !ok {
		if operation == backend.OpFetchSession {
			return map[string]any{"interviewSession": nil}, nil
		}
		return nil, backend.ErrNotFound
	}
	now := s.now()
	ack := map[string]bool{"ok": true}

	switch operation {
	case backend.OpFetchSession:
		return map[string]any{"interviewSession": s.view(rec)}, nil
	case backend.OpStart:
		if rec.session.Status == backend.StatusPending {
			rec.session.Status = backend.StatusInProgress
		}
		if rec.session.StartedAt == nil {
			started := now
			rec.session.StartedAt = &started
		}
		return map[string]any{"startInterviewSession": ack}, nil
	case backend.OpConsent:
		if rec.session.ConsentAcceptedAt == nil {
			accepted := now
			rec.session.ConsentAcceptedAt = &accepted
		}
		return map[string]any{"acceptInterviewConsent": ack}, nil
	case backend.OpSaveAnswer:
		if !hasQuestion(rec.session, vars.Input.QuestionID) {
			return nil, fmt.Errorf("question %q is not part of the session", vars.Input.QuestionID)
		}
		a, ok := rec.answers[vars.Input.QuestionID]
		if !ok {
			a = &Answer{QuestionID: vars.Input.QuestionID}
			rec.answers[vars.Input.QuestionID] = a
		}
		a.Text = vars.Input.Text
		a.VideoRef = ""
		if vars.Input.VideoRef != nil {
			a.VideoRef = *vars.Input.VideoRef
		}
		a.Saves++
		return map[string]any{"saveInterviewAnswer": ack}, nil
	case backend.OpComplete:
		rec.session.Status = backend.StatusCompleted
		return map[string]any{"completeInterviewSession": ack}, nil
	case backend.OpVoice:
		supported := vars.Supported
		rec.voiceSupported = &supported
		return map[string]any{"reportVoiceSupport": ack}, nil
	default:
		return nil, errUnknownOperation
	}
}

// view renders a stored session the way the backend returns it. Callers hold s.mu.
func (s *Server) view(rec *record) backend.Session {
	session := rec.session
	session.Questions = append([]backend.Question(nil), rec.session.Questions...)
	if session.Status != backend.StatusCompleted && session.Expired(s.now()) {
		session.Status = backend.StatusExpired
	}
	session.AnsweredQuestionIDs = nil
	for _, q := range session.Questions {
		if _, ok := rec.answers[q.ID]; ok {
			session.AnsweredQuestionIDs = append(session.AnsweredQuestionIDs, q.ID)
		}
	}
	return session
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_multipart", err.Error())
		return
	}
	token := strings.TrimSpace(r.FormValue("token"))
	questionID := strings.TrimSpace(r.FormValue("questionId"))
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_file", err.Error())
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "read_failed", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Operation: OpUpload, Token: token, QuestionID: questionID, At: s.now()})
	if s.takeFailure(OpUpload) {
		respondError(w, http.StatusServiceUnavailable, "injected_failure", "injected failure")
		return
	}
	rec, ok := s.sessions[token]
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if !hasQuestion(rec.session, questionID) {
		respondError(w, http.StatusBadRequest, "unknown_question", "question is not part of the session")
		return
	}

	ref := uuid.NewString()
	s.uploads[ref] = Upload{
		VideoRef:   ref,
		Token:      token,
		QuestionID: questionID,
		MIMEType:   header.Header.Get("Content-Type"),
		Size:       len(data),
	}
	respondJSON(w, http.StatusOK, backend.UploadResponse{VideoRef: ref})
}

// takeFailure consumes one injected failure. Callers hold s.mu.
func (s *Server) takeFailure(operation string) bool {
	if s.failures[operation] <= 0 {
		return false
	}
	s.failures[operation]--
	return true
}

func hasQuestion(session backend.Session, questionID string) bool {
	for _, q := range session.Questions {
		if q.ID == questionID {
			return true
		}
	}
	return false
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondGraphQLError(w http.ResponseWriter, message string, code string) {
	respondJSON(w, http.StatusOK, backend.GraphQLResponse{
		Data: json.RawMessage("null"),
		Errors: []backend.GraphQLError{{
			Message:    message,
			Extensions: map[string]any{"code": code},
		}},
	})
}
