package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func graphQLServer(t *testing.T, handle func(req GraphQLRequest) any) (*httptest.Server, *[]GraphQLRequest) {
	t.Helper()
	var seen []GraphQLRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req GraphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handle(req))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestFetchSessionSortsQuestions(t *testing.T) {
	srv, seen := graphQLServer(t, func(GraphQLRequest) any {
		return map[string]any{"data": map[string]any{"interviewSession": map[string]any{
			"token":  "tok",
			"status": "in_progress",
			"questions": []map[string]any{
				{"id": "b", "position": 2, "prompt": "second"},
				{"id": "a", "position": 1, "prompt": "first", "timeLimitSeconds": 30},
			},
			"startedAt":            "2026-01-02T10:00:00Z",
			"voiceResponseEnabled": true,
		}}}
	})

	client := NewHTTPClient(Options{GraphQLURL: srv.URL, UserAgent: "candor/test"})
	session, err := client.FetchSession(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, session.Status)
	require.Len(t, session.Questions, 2)
	require.Equal(t, "a", session.Questions[0].ID)
	require.Equal(t, 30, session.Questions[0].TimeLimitSeconds)
	require.NotNil(t, session.StartedAt)
	require.True(t, session.VoiceResponseEnabled)

	require.Len(t, *seen, 1)
	require.Equal(t, OpFetchSession, (*seen)[0].OperationName)
	require.Contains(t, (*seen)[0].Query, "interviewSession(token: $token)")
	require.JSONEq(t, `{"token":"tok"}`, string((*seen)[0].Variables))
}

func TestFetchSessionNotFound(t *testing.T) {
	t.Run("null session", func(t *testing.T) {
		srv, _ := graphQLServer(t, func(GraphQLRequest) any {
			return map[string]any{"data": map[string]any{"interviewSession": nil}}
		})
		_, err := NewHTTPClient(Options{GraphQLURL: srv.URL}).FetchSession(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("error code", func(t *testing.T) {
		srv, _ := graphQLServer(t, func(GraphQLRequest) any {
			return map[string]any{"data": nil, "errors": []map[string]any{
				{"message": "no such session", "extensions": map[string]any{"code": CodeNotFound}},
			}}
		})
		_, err := NewHTTPClient(Options{GraphQLURL: srv.URL}).FetchSession(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGraphQLErrorsAreJoined(t *testing.T) {
	srv, _ := graphQLServer(t, func(GraphQLRequest) any {
		return map[string]any{"errors": []map[string]any{
			{"message": "first"},
			{"message": "second", "extensions": map[string]any{"code": "INTERNAL"}},
		}}
	})
	err := NewHTTPClient(Options{GraphQLURL: srv.URL}).CompleteSession(context.Background(), "tok")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotFound))
	require.Contains(t, err.Error(), "first; second")
}

func TestMutationsSendVariables(t *testing.T) {
	srv, seen := graphQLServer(t, func(req GraphQLRequest) any {
		field := map[string]string{
			OpStart:      "startInterviewSession",
			OpConsent:    "acceptInterviewConsent",
			OpSaveAnswer: "saveInterviewAnswer",
			OpComplete:   "completeInterviewSession",
			OpVoice:      "reportVoiceSupport",
		}[req.OperationName]
		return map[string]any{"data": map[string]any{field: map[string]bool{"ok": true}}}
	})
	client := NewHTTPClient(Options{GraphQLURL: srv.URL})
	ctx := context.Background()
	ref := "vid-1"

	require.NoError(t, client.StartSession(ctx, "tok"))
	require.NoError(t, client.AcceptConsent(ctx, "tok"))
	require.NoError(t, client.SaveAnswer(ctx, SaveAnswerInput{Token: "tok", QuestionID: "q1", Text: "hello", VideoRef: &ref}))
	require.NoError(t, client.SaveAnswer(ctx, SaveAnswerInput{Token: "tok", QuestionID: "q2"}))
	require.NoError(t, client.ReportVoiceSupport(ctx, "tok", false))
	require.NoError(t, client.CompleteSession(ctx, "tok"))

	require.Len(t, *seen, 6)
	require.JSONEq(t, `{"input":{"token":"tok","questionId":"q1","text":"hello","videoRef":"vid-1"}}`, string((*seen)[2].Variables))
	require.JSONEq(t, `{"input":{"token":"tok","questionId":"q2","text":"","videoRef":null}}`, string((*seen)[3].Variables))
	require.JSONEq(t, `{"token":"tok","supported":false}`, string((*seen)[4].Variables))
	require.Equal(t, OpComplete, (*seen)[5].OperationName)
}

func TestMutationNotAcknowledged(t *testing.T) {
	srv, _ := graphQLServer(t, func(GraphQLRequest) any {
		return map[string]any{"data": map[string]any{"startInterviewSession": map[string]bool{"ok": false}}}
	})
	err := NewHTTPClient(Options{GraphQLURL: srv.URL}).StartSession(context.Background(), "tok")
	require.ErrorContains(t, err, "not acknowledged")
}

func TestHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPClient(Options{GraphQLURL: srv.URL}).AcceptConsent(context.Background(), "tok")
	require.ErrorContains(t, err, "HTTP 502")
	require.ErrorContains(t, err, "gateway down")
}

func TestRequestHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewHTTPClient(Options{GraphQLURL: srv.URL}).CompleteSession(ctx, "tok")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUploadVideoMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "candor/test", r.Header.Get("User-Agent"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "tok", r.FormValue("token"))
		require.Equal(t, "q1", r.FormValue("questionId"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		require.Equal(t, "q1.wav", header.Filename)
		require.Equal(t, "audio/wav", header.Header.Get("Content-Type"))
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, []byte("RIFFdata"), data)
		_ = json.NewEncoder(w).Encode(UploadResponse{VideoRef: "ref-1"})
	}))
	defer srv.Close()

	client := NewHTTPClient(Options{UploadURL: srv.URL, UserAgent: "candor/test"})
	ref, err := client.UploadVideo(context.Background(), "tok", "q1", "audio/wav", []byte("RIFFdata"))
	require.NoError(t, err)
	require.Equal(t, "ref-1", ref)
}

func TestUploadVideoFailures(t *testing.T) {
	t.Run("no url", func(t *testing.T) {
		_, err := NewHTTPClient(Options{}).UploadVideo(context.Background(), "tok", "q1", "audio/wav", nil)
		require.ErrorContains(t, err, "upload url is empty")
	})

	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
		}))
		defer srv.Close()
		_, err := NewHTTPClient(Options{UploadURL: srv.URL}).UploadVideo(context.Background(), "tok", "q1", "video/webm", []byte{1})
		require.ErrorContains(t, err, "HTTP 413")
	})

	t.Run("missing ref", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"videoRef":"  "}`))
		}))
		defer srv.Close()
		_, err := NewHTTPClient(Options{UploadURL: srv.URL}).UploadVideo(context.Background(), "tok", "q1", "video/webm", []byte{1})
		require.ErrorContains(t, err, "no videoRef")
	})
}

func TestUploadFilename(t *testing.T) {
	require.Equal(t, "q.webm", uploadFilename("q", "video/webm;codecs=vp9,opus"))
	require.Equal(t, "q.mp4", uploadFilename("q", "video/mp4"))
	require.Equal(t, "q.wav", uploadFilename("q", "audio/wav"))
	require.Equal(t, "q.bin", uploadFilename("q", "application/octet-stream"))
}

func TestSessionHelpers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	started := now.Add(-90 * time.Second)

	require.True(t, Session{Status: StatusExpired}.Expired(now))
	require.True(t, Session{Status: StatusInProgress, ExpiresAt: &past}.Expired(now))
	require.True(t, Session{Status: StatusInProgress, ExpiresAt: &now}.Expired(now))
	require.False(t, Session{Status: StatusInProgress, ExpiresAt: &future}.Expired(now))

	require.False(t, Session{}.NeedsConsent())
	require.True(t, Session{Consent: &ConsentTemplate{ID: "c"}}.NeedsConsent())
	require.False(t, Session{Consent: &ConsentTemplate{ID: "c"}, ConsentAcceptedAt: &past}.NeedsConsent())

	s := Session{
		Questions:           []Question{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		AnsweredQuestionIDs: []string{"a", "c"},
	}
	require.Equal(t, 1, s.FirstUnanswered())
	s.AnsweredQuestionIDs = []string{"a", "b", "c"}
	require.Equal(t, 3, s.FirstUnanswered())

	require.Equal(t, 0, Session{}.GlobalElapsedSeconds(now))
	require.Equal(t, 90, Session{StartedAt: &started}.GlobalElapsedSeconds(now))
	require.Equal(t, 0, Session{StartedAt: &future}.GlobalElapsedSeconds(now))
}

func TestQueryDocumentsNameTheirOperation(t *testing.T) {
	for _, op := range []string{OpFetchSession, OpStart, OpConsent, OpSaveAnswer, OpComplete, OpVoice} {
		require.True(t, strings.Contains(Query(op), op+"("), op)
	}
	require.Empty(t, Query("Unknown"))
}
