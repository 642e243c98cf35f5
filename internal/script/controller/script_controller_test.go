package controller

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"autograder/internal/script"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, err := script.NewManager(script.Config{ActivePath: filepath.Join(t.TempDir(), "grading_script.py")}, nil)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	router := gin.New()
	NewScriptController(m).RegisterRoutes(router.Group("/api/v1/admin"))
	return router
}

func upload(t *testing.T, router *gin.Engine, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file failed: %v", err)
	}
	_, _ = part.Write([]byte(content))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/grading-script", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestScriptEndpoints(t *testing.T) {
	router := newTestRouter(t)

	if w := get(router, "/api/v1/admin/grading-script"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before deploy, got %d", w.Code)
	}

	if w := upload(t, router, "grading_script.py", "print('a')\n"); w.Code != http.StatusOK {
		t.Fatalf("deploy A failed: %d %s", w.Code, w.Body.String())
	}
	if w := upload(t, router, "grading_script.py", "print('b')\n"); w.Code != http.StatusOK {
		t.Fatalf("deploy B failed: %d %s", w.Code, w.Body.String())
	}
	if w := upload(t, router, "evil.exe", "MZ"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong type, got %d", w.Code)
	}

	w := get(router, "/api/v1/admin/grading-script")
	if w.Code != http.StatusOK || w.Body.String() != "print('b')\n" {
		t.Fatalf("unexpected active script: %d %q", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="grading_script.py"` {
		t.Fatalf("unexpected content disposition: %s", cd)
	}
	w = get(router, "/api/v1/admin/grading-script/backup")
	if w.Code != http.StatusOK || w.Body.String() != "print('a')\n" {
		t.Fatalf("unexpected backup script: %d %q", w.Code, w.Body.String())
	}
	if w := get(router, "/api/v1/admin/grading-script/info"); w.Code != http.StatusOK {
		t.Fatalf("info failed: %d", w.Code)
	}
}

func TestDeployWithoutFile(t *testing.T) {
	router := newTestRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/grading-script", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
