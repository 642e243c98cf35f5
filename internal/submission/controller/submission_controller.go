package controller

import (
	"context"
	"io"
	"strconv"
	"strings"

	"autograder/internal/auth"
	"autograder/internal/submission/model"
	"autograder/internal/submission/service"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const idempotencyHeader = "Idempotency-Key"

// SubmissionService is the part of the submission service used over HTTP.
type SubmissionService interface {
	Submit(ctx context.Context, caller auth.Caller, input service.SubmitInput) (*model.Submission, error)
	Get(ctx context.Context, caller auth.Caller, submissionID int64) (*model.Submission, error)
	ListMine(ctx context.Context, caller auth.Caller, limit int) ([]*model.Submission, error)
	ListAll(ctx context.Context, caller auth.Caller, page, pageSize int) ([]*model.Submission, int64, error)
	ReportRunning(ctx context.Context, submissionID int64) (*model.Submission, error)
	ReportResult(ctx context.Context, submissionID int64, result model.Result) (*model.Submission, error)
}

// SubmissionController handles submission HTTP endpoints.
type SubmissionController struct {
	submissionService SubmissionService
	maxUploadBytes    int64
}

// NewSubmissionController creates a new SubmissionController.
func NewSubmissionController(submissionService SubmissionService, maxUploadBytes int64) *SubmissionController {
	return &SubmissionController{submissionService: submissionService, maxUploadBytes: maxUploadBytes}
}

// Create accepts a multipart submission upload.
func (h *SubmissionController) Create(c *gin.Context) {
	caller, ok := auth.CallerFrom(c)
	if !ok {
		response.ErrorWithCode(c, appErr.Unauthorized, "")
		return
	}
	ownerID, err := strconv.ParseInt(strings.TrimSpace(c.PostForm("studentId")), 10, 64)
	if err != nil || ownerID <= 0 {
		response.BadRequest(c, "Invalid studentId")
		return
	}
	assignmentID, err := strconv.ParseInt(strings.TrimSpace(c.PostForm("assignmentId")), 10, 64)
	if err != nil || assignmentID <= 0 {
		response.BadRequest(c, "Invalid assignmentId")
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		response.Error(c, appErr.New(appErr.ArchiveTooLarge).WithDetail("max_bytes", h.maxUploadBytes))
		return
	}
	f, err := file.Open()
	if err != nil {
		response.Error(c, appErr.Wrap(err, appErr.InvalidParams))
		return
	}
	defer f.Close()

	var r io.Reader = f
	if h.maxUploadBytes > 0 {
		r = io.LimitReader(f, h.maxUploadBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		response.Error(c, appErr.Wrap(err, appErr.InvalidParams))
		return
	}

	submission, err := h.submissionService.Submit(c.Request.Context(), caller, service.SubmitInput{
		OwnerID:        ownerID,
		AssignmentID:   assignmentID,
		FileName:       file.Filename,
		Data:           data,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(idempotencyHeader)),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "Submission received", submission)
}

// Get returns one submission.
func (h *SubmissionController) Get(c *gin.Context) {
	caller, ok := auth.CallerFrom(c)
	if !ok {
		response.ErrorWithCode(c, appErr.Unauthorized, "")
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	submission, err := h.submissionService.Get(c.Request.Context(), caller, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, submission)
}

// ListMine returns the caller's submissions, newest first.
func (h *SubmissionController) ListMine(c *gin.Context) {
	caller, ok := auth.CallerFrom(c)
	if !ok {
		response.ErrorWithCode(c, appErr.Unauthorized, "")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.submissionService.ListMine(c.Request.Context(), caller, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ListResponse{Items: nonNil(items)})
}

// ListAll returns a page of all submissions.
func (h *SubmissionController) ListAll(c *gin.Context) {
	caller, ok := auth.CallerFrom(c)
	if !ok {
		response.ErrorWithCode(c, appErr.Unauthorized, "")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	items, total, err := h.submissionService.ListAll(c.Request.Context(), caller, page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	page, pageSize = service.NormalizePage(page, pageSize)
	response.SuccessWithPagination(c, nonNil(items), total, page, pageSize)
}

// ReportRunning handles the worker's "grading started" callback.
func (h *SubmissionController) ReportRunning(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	submission, err := h.submissionService.ReportRunning(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, StatusResponse{SubmissionID: submission.ID, Status: string(submission.Status)})
}

// ReportResult handles the worker's final result callback.
func (h *SubmissionController) ReportResult(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	submission, err := h.submissionService.ReportResult(c.Request.Context(), id, model.Result{
		Score:  req.Score,
		Log:    req.Log,
		Status: req.Status,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, StatusResponse{SubmissionID: submission.ID, Status: string(submission.Status)})
}

// RegisterRoutes mounts the endpoints for authenticated users.
func (h *SubmissionController) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/submissions", h.Create)
	g.GET("/submissions/me", h.ListMine)
	g.GET("/submissions/:id", h.Get)
}

// RegisterAdminRoutes mounts the endpoints for administrators.
func (h *SubmissionController) RegisterAdminRoutes(g *gin.RouterGroup) {
	g.GET("/submissions", h.ListAll)
}

// RegisterInternalRoutes mounts the grading worker callbacks.
func (h *SubmissionController) RegisterInternalRoutes(g *gin.RouterGroup) {
	g.POST("/submissions/:id/running", h.ReportRunning)
	g.POST("/submissions/:id/complete", h.ReportResult)
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return 0, false
	}
	return id, true
}

func nonNil(items []*model.Submission) []*model.Submission {
	if items == nil {
		return []*model.Submission{}
	}
	return items
}

// ResultRequest is the worker's result payload. Status is optional.
type ResultRequest struct {
	Score  *float64 `json:"score"`
	Log    string   `json:"log"`
	Status string   `json:"status"`
}

// StatusResponse acknowledges a worker callback.
type StatusResponse struct {
	SubmissionID int64  `json:"submission_id"`
	Status       string `json:"status"`
}

// ListResponse wraps an unpaginated list.
type ListResponse struct {
	Items []*model.Submission `json:"items"`
}
