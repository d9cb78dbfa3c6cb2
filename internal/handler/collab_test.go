package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"collab-backend/internal/auth"
	"collab-backend/internal/comment"
	"collab-backend/internal/config"
	"collab-backend/internal/handler"
	"collab-backend/internal/hub"
	"collab-backend/internal/model"
	"collab-backend/internal/presence"
	"collab-backend/internal/registry"
)

type testServer struct {
	app     *fiber.App
	token   string
	reg     *registry.Registry
	tracker *presence.Tracker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Collab: config.CollabConfig{
			MaxSessionNameLen: 100,
			MaxCommentLen:     2000,
			RecentComments:    50,
		},
	}

	reg := registry.New(registry.NewMemoryStore(), cfg.Collab.MaxSessionNameLen)
	tracker := presence.NewTracker()
	h := hub.New(tracker)
	comments := comment.NewService(comment.NewMemoryStore(), reg, h, cfg.Collab.MaxCommentLen)
	ch := handler.NewCollabHandler(reg, tracker, h, comments, cfg)

	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	token, err := jwtManager.GenerateAccessToken(model.UserSummary{
		ID: "u1", DisplayName: "민수", Role: "agent",
	})
	require.NoError(t, err)

	app := fiber.New()
	grp := app.Group("/collaborate", auth.AuthMiddleware(jwtManager))
	grp.Post("/join", ch.JoinSession)
	grp.Get("/join", ch.GetSession)
	grp.Post("/comment", ch.AddComment)
	grp.Get("/comment", ch.ListComments)
	grp.Post("/update", ch.BroadcastUpdate)
	grp.Get("/viewers", ch.ListViewers)

	return &testServer{app: app, token: token, reg: reg, tracker: tracker}
}

func (s *testServer) do(t *testing.T, method, target string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	resp.Body.Close()
}

type joinBody struct {
	Session struct {
		ID             int64    `json:"id"`
		Name           string   `json:"name"`
		Type           string   `json:"type"`
		ParticipantIDs []string `json:"participantIds"`
	} `json:"session"`
	ActiveUsers    []model.UserSummary `json:"activeUsers"`
	RecentComments []comment.Response  `json:"recentComments"`
}

func TestCollabHandler_RequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("POST", "/collaborate/join", nil)
	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest("POST", "/collaborate/join", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = srv.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestCollabHandler_JoinCreatesSession(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, "POST", "/collaborate/join", fiber.Map{"sessionName": "triage-42"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body joinBody
	decodeBody(t, resp, &body)
	require.Equal(t, "triage-42", body.Session.Name)
	require.Equal(t, model.SessionTypeFeedback, body.Session.Type)
	require.Equal(t, []string{"u1"}, body.Session.ParticipantIDs)
	require.Empty(t, body.ActiveUsers)
	require.Empty(t, body.RecentComments)

	// Idempotent: the same join lands on the same session.
	resp = srv.do(t, "POST", "/collaborate/join", fiber.Map{"sessionName": "triage-42"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var again joinBody
	decodeBody(t, resp, &again)
	require.Equal(t, body.Session.ID, again.Session.ID)
}

func TestCollabHandler_JoinValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, "POST", "/collaborate/join", fiber.Map{"sessionName": ""})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, "POST", "/collaborate/join", fiber.Map{"sessionName": "triage-42", "type": "standup"})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCollabHandler_GetSession(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, "GET", "/collaborate/join?sessionName=ghost", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, "GET", "/collaborate/join", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	srv.do(t, "POST", "/collaborate/join", fiber.Map{"sessionName": "triage-42"})
	resp = srv.do(t, "GET", "/collaborate/join?sessionName=triage-42", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body joinBody
	decodeBody(t, resp, &body)
	require.Equal(t, "triage-42", body.Session.Name)
}

func TestCollabHandler_CommentLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, "POST", "/collaborate/join", fiber.Map{"sessionName": "triage-42"})
	var joined joinBody
	decodeBody(t, resp, &joined)
	sessionID := joined.Session.ID

	resp = srv.do(t, "POST", "/collaborate/comment", fiber.Map{
		"sessionId":  sessionID,
		"content":    "중복 피드백입니다",
		"feedbackId": "feedback-9",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var created comment.Response
	decodeBody(t, resp, &created)
	require.Equal(t, "u1", created.Author.ID)
	require.Equal(t, "민수", created.Author.DisplayName)

	resp = srv.do(t, "GET", fmt.Sprintf("/collaborate/comment?sessionId=%d", sessionID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var listed struct {
		Comments []comment.Response `json:"comments"`
	}
	decodeBody(t, resp, &listed)
	require.Len(t, listed.Comments, 1)
	require.Equal(t, created.ID, listed.Comments[0].ID)
}

func TestCollabHandler_CommentErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, "POST", "/collaborate/join", fiber.Map{"sessionName": "triage-42"})
	var joined joinBody
	decodeBody(t, resp, &joined)

	// Missing session id.
	resp = srv.do(t, "POST", "/collaborate/comment", fiber.Map{"content": "hello"})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Unknown session.
	resp = srv.do(t, "POST", "/collaborate/comment", fiber.Map{"sessionId": 999, "content": "hello"})
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// Empty content is a validation failure.
	resp = srv.do(t, "POST", "/collaborate/comment", fiber.Map{"sessionId": joined.Session.ID, "content": ""})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Orphan reply.
	resp = srv.do(t, "POST", "/collaborate/comment", fiber.Map{
		"sessionId": joined.Session.ID,
		"content":   "답글",
		"parentId":  "no-such-comment",
	})
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// Listing an unknown session.
	resp = srv.do(t, "GET", "/collaborate/comment?sessionId=999", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCollabHandler_BroadcastUpdateTouchesActivity(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, "POST", "/collaborate/join", fiber.Map{"sessionName": "triage-42"})
	var joined joinBody
	decodeBody(t, resp, &joined)

	before, err := srv.reg.Get(context.Background(), joined.Session.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	resp = srv.do(t, "POST", "/collaborate/update", fiber.Map{
		"sessionName": "triage-42",
		"resourceId":  "feedback-9",
		"patch":       fiber.Map{"status": "planned"},
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	after, err := srv.reg.Get(context.Background(), joined.Session.ID)
	require.NoError(t, err)
	require.True(t, after.LastActivityAt.After(before.LastActivityAt),
		"resource updates must refresh lastActivityAt")
}

func TestCollabHandler_BroadcastUpdateValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, "POST", "/collaborate/update", fiber.Map{"sessionName": "triage-42"})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, "POST", "/collaborate/update", fiber.Map{
		"sessionName": "ghost",
		"resourceId":  "feedback-9",
	})
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCollabHandler_ListViewers(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, "GET", "/collaborate/viewers?sessionName=triage-42", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	srv.tracker.Add("c1", "triage-42", model.UserSummary{ID: "u2", DisplayName: "지은"})
	srv.tracker.SetViewing("c1", "feedback-9")

	resp = srv.do(t, "GET", "/collaborate/viewers?sessionName=triage-42&resourceId=feedback-9", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Viewers []model.UserSummary `json:"viewers"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Viewers, 1)
	require.Equal(t, "u2", body.Viewers[0].ID)
}
