package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"autograder/internal/auth"
	"autograder/internal/submission/model"
	"autograder/internal/submission/service"
	appErr "autograder/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeService struct {
	submitted []service.SubmitInput
	rows      map[int64]*model.Submission
	results   map[int64]model.Result
}

func newFakeService() *fakeService {
	return &fakeService{
		rows:    map[int64]*model.Submission{1: {ID: 1, OwnerID: 7, Status: model.StatusPending}},
		results: map[int64]model.Result{},
	}
}

func (f *fakeService) Submit(_ context.Context, caller auth.Caller, input service.SubmitInput) (*model.Submission, error) {
	if err := auth.AuthorizeCreate(caller, input.OwnerID); err != nil {
		return nil, err
	}
	f.submitted = append(f.submitted, input)
	return &model.Submission{ID: 2, OwnerID: input.OwnerID, AssignmentID: input.AssignmentID, Status: model.StatusPending}, nil
}

func (f *fakeService) Get(_ context.Context, caller auth.Caller, id int64) (*model.Submission, error) {
	s, ok := f.rows[id]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	if err := auth.AuthorizeRead(caller, s.OwnerID); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *fakeService) ListMine(_ context.Context, caller auth.Caller, _ int) ([]*model.Submission, error) {
	var out []*model.Submission
	for _, s := range f.rows {
		if s.OwnerID == caller.ID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeService) ListAll(_ context.Context, caller auth.Caller, _, _ int) ([]*model.Submission, int64, error) {
	if err := auth.RequireAdmin(caller); err != nil {
		return nil, 0, err
	}
	return []*model.Submission{f.rows[1]}, 1, nil
}

func (f *fakeService) ReportRunning(_ context.Context, id int64) (*model.Submission, error) {
	s, ok := f.rows[id]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	s.MarkRunning(s.UpdatedAt)
	return s, nil
}

func (f *fakeService) ReportResult(_ context.Context, id int64, r model.Result) (*model.Submission, error) {
	s, ok := f.rows[id]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	f.results[id] = r
	o, err := model.DefaultPolicy().Decide(r)
	if err != nil {
		return nil, err
	}
	s.ApplyOutcome(o, s.UpdatedAt)
	return s, nil
}

const internalToken = "worker-secret"

func newTestRouter(svc SubmissionService, caller *auth.Caller) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewSubmissionController(svc, 1024)

	withCaller := func(c *gin.Context) {
		if caller != nil {
			auth.SetCaller(c, *caller)
		}
		c.Next()
	}
	api := router.Group("/api/v1", withCaller)
	h.RegisterRoutes(api)
	h.RegisterAdminRoutes(api.Group("/admin", auth.RequireRole(auth.RoleAdmin)))
	h.RegisterInternalRoutes(router.Group("/internal", auth.InternalOnly(internalToken)))
	return router
}

func multipartBody(t *testing.T, fields map[string]string, fileBytes []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if fileBytes != nil {
		part, err := mw.CreateFormFile("file", "hw.zip")
		if err != nil {
			t.Fatalf("create form file failed: %v", err)
		}
		_, _ = part.Write(fileBytes)
	}
	_ = mw.Close()
	return &body, mw.FormDataContentType()
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateSubmission(t *testing.T) {
	svc := newFakeService()
	caller := auth.Caller{ID: 7, Role: auth.RoleStudent}
	router := newTestRouter(svc, &caller)

	body, ct := multipartBody(t, map[string]string{"studentId": "7", "assignmentId": "3"}, []byte("PK"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(idempotencyHeader, " key-1 ")
	w := serve(router, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
	if len(svc.submitted) != 1 {
		t.Fatalf("expected one submit call")
	}
	in := svc.submitted[0]
	if in.OwnerID != 7 || in.AssignmentID != 3 || in.FileName != "hw.zip" || in.IdempotencyKey != "key-1" || string(in.Data) != "PK" {
		t.Fatalf("unexpected submit input: %+v", in)
	}
}

func TestCreateSubmissionRejectsBadInput(t *testing.T) {
	caller := auth.Caller{ID: 7, Role: auth.RoleStudent}
	tests := []struct {
		name   string
		fields map[string]string
		file   []byte
		want   int
	}{
		{"missing student", map[string]string{"assignmentId": "3"}, []byte("PK"), http.StatusBadRequest},
		{"missing file", map[string]string{"studentId": "7", "assignmentId": "3"}, nil, http.StatusBadRequest},
		{"too large", map[string]string{"studentId": "7", "assignmentId": "3"}, make([]byte, 2048), http.StatusRequestEntityTooLarge},
		{"other student", map[string]string{"studentId": "8", "assignmentId": "3"}, []byte("PK"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(newFakeService(), &caller)
			body, ct := multipartBody(t, tt.fields, tt.file)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body)
			req.Header.Set("Content-Type", ct)
			if w := serve(router, req); w.Code != tt.want {
				t.Fatalf("expected %d, got %d %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestGetSubmissionAccess(t *testing.T) {
	tests := []struct {
		caller auth.Caller
		path   string
		want   int
	}{
		{auth.Caller{ID: 7, Role: auth.RoleStudent}, "/api/v1/submissions/1", http.StatusOK},
		{auth.Caller{ID: 1, Role: auth.RoleAdmin}, "/api/v1/submissions/1", http.StatusOK},
		{auth.Caller{ID: 8, Role: auth.RoleStudent}, "/api/v1/submissions/1", http.StatusForbidden},
		{auth.Caller{ID: 7, Role: auth.RoleStudent}, "/api/v1/submissions/99", http.StatusNotFound},
		{auth.Caller{ID: 7, Role: auth.RoleStudent}, "/api/v1/submissions/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		router := newTestRouter(newFakeService(), &tt.caller)
		w := serve(router, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if w.Code != tt.want {
			t.Fatalf("%s as %+v: expected %d, got %d", tt.path, tt.caller, tt.want, w.Code)
		}
	}
}

func TestListEndpoints(t *testing.T) {
	student := auth.Caller{ID: 7, Role: auth.RoleStudent}
	router := newTestRouter(newFakeService(), &student)
	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/submissions/me", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"items":[{`) {
		t.Fatalf("unexpected /me response: %d %s", w.Code, w.Body.String())
	}
	if w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/admin/submissions", nil)); w.Code != http.StatusForbidden {
		t.Fatalf("student must not list all submissions, got %d", w.Code)
	}

	admin := auth.Caller{ID: 1, Role: auth.RoleAdmin}
	router = newTestRouter(newFakeService(), &admin)
	w = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/admin/submissions?page=1&page_size=10", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("admin list failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			Total    int64 `json:"total"`
			PageSize int   `json:"page_size"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Data.Total != 1 || resp.Data.PageSize != 10 {
		t.Fatalf("unexpected pagination: %+v", resp.Data)
	}
}

func internalRequest(path, body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(auth.InternalTokenHeader, token)
	}
	return req
}

func TestWorkerCallbacks(t *testing.T) {
	svc := newFakeService()
	router := newTestRouter(svc, nil)

	if w := serve(router, internalRequest("/internal/submissions/1/running", "", "")); w.Code != http.StatusForbidden {
		t.Fatalf("callback without token must be rejected, got %d", w.Code)
	}
	if w := serve(router, internalRequest("/internal/submissions/1/running", "", "wrong")); w.Code != http.StatusForbidden {
		t.Fatalf("callback with wrong token must be rejected, got %d", w.Code)
	}

	w := serve(router, internalRequest("/internal/submissions/1/running", "", internalToken))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"RUNNING"`) {
		t.Fatalf("running callback failed: %d %s", w.Code, w.Body.String())
	}

	w = serve(router, internalRequest("/internal/submissions/1/complete", `{"score": 92.5, "log": "ok"}`, internalToken))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"COMPLETE"`) {
		t.Fatalf("complete callback failed: %d %s", w.Code, w.Body.String())
	}
	if r := svc.results[1]; r.Score == nil || *r.Score != 92.5 || r.Log != "ok" {
		t.Fatalf("unexpected result forwarded: %+v", r)
	}

	if w := serve(router, internalRequest("/internal/submissions/99/complete", `{"score": 1, "log": "ok"}`, internalToken)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown submission, got %d", w.Code)
	}
	if w := serve(router, internalRequest("/internal/submissions/1/complete", `{`, internalToken)); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
}
