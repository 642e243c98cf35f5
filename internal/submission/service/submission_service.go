// Package service implements submission intake, worker status callbacks and submission reads.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"autograder/internal/artifact"
	"autograder/internal/assignment"
	"autograder/internal/auth"
	"autograder/internal/common/cache"
	"autograder/internal/metrics"
	"autograder/internal/submission/event"
	"autograder/internal/submission/model"
	"autograder/internal/submission/repository"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix  = "submission:idempotency:"
	rateOwnerKeyPrefix    = "submission:rate:owner:"
	processingMarker      = "processing"
	defaultMaxArchive     = 50 << 20
	defaultIdempotencyTTL = 10 * time.Minute
	defaultListLimit      = 50
	maxListLimit          = 200
	defaultPageSize       = 20
	maxPageSize           = 100
)

// Dispatcher hands a created submission to the grading worker without blocking.
type Dispatcher interface {
	Dispatch(ctx context.Context, submissionID int64, artifactPath string)
}

// RateLimitConfig limits submissions per owner within a window.
type RateLimitConfig struct {
	OwnerMax int           `yaml:"ownerMax"`
	Window   time.Duration `yaml:"window"`
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	Storage time.Duration `yaml:"storage"`
	Event   time.Duration `yaml:"event"`
}

// Config holds submission service dependencies and settings.
type Config struct {
	Repo        repository.SubmissionRepository
	Assignments assignment.Lookup
	Artifacts   artifact.Store
	Cache       cache.Cache
	Publisher   event.StatusEventPublisher
	Metrics     *metrics.Metrics
	Policy      model.Policy

	MaxArchiveBytes int64
	IdempotencyTTL  time.Duration
	ListLimit       int
	RateLimit       RateLimitConfig
	Timeouts        TimeoutConfig
}

// SubmissionService owns the submission lifecycle from intake to terminal status.
type SubmissionService struct {
	repo        repository.SubmissionRepository
	assignments assignment.Lookup
	artifacts   artifact.Store
	cache       cache.Cache
	publisher   event.StatusEventPublisher
	metrics     *metrics.Metrics
	policy      model.Policy

	maxArchiveBytes int64
	idempotencyTTL  time.Duration
	listLimit       int
	rateLimit       RateLimitConfig
	timeouts        TimeoutConfig
	now             func() time.Time

	mu         sync.RWMutex
	dispatcher Dispatcher
}

// SubmitInput describes one intake request.
type SubmitInput struct {
	OwnerID        int64
	AssignmentID   int64
	FileName       string
	Data           []byte
	IdempotencyKey string
}

// NewSubmissionService creates a new submission service.
func NewSubmissionService(cfg Config) (*SubmissionService, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Assignments == nil {
		return nil, fmt.Errorf("assignment lookup is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = event.NopPublisher{}
	}
	if cfg.Policy == (model.Policy{}) {
		cfg.Policy = model.DefaultPolicy()
	}
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = defaultMaxArchive
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = defaultListLimit
	}
	return &SubmissionService{
		repo:            cfg.Repo,
		assignments:     cfg.Assignments,
		artifacts:       cfg.Artifacts,
		cache:           cfg.Cache,
		publisher:       cfg.Publisher,
		metrics:         cfg.Metrics,
		policy:          cfg.Policy,
		maxArchiveBytes: cfg.MaxArchiveBytes,
		idempotencyTTL:  cfg.IdempotencyTTL,
		listLimit:       cfg.ListLimit,
		rateLimit:       cfg.RateLimit,
		timeouts:        cfg.Timeouts,
		now:             time.Now,
	}, nil
}

// SetDispatcher wires the dispatcher. It is set after construction because the
// dispatcher reports transport failures back through this service.
func (s *SubmissionService) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

func (s *SubmissionService) getDispatcher() Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

// Submit stores the archive, creates a PENDING record and hands it to the dispatcher.
// Nothing is written when the assignment is closed.
func (s *SubmissionService) Submit(ctx context.Context, caller auth.Caller, input SubmitInput) (*model.Submission, error) {
	if err := s.validateInput(input); err != nil {
		s.metrics.IncSubmissionsRejected("invalid")
		return nil, err
	}
	if err := auth.AuthorizeCreate(caller, input.OwnerID); err != nil {
		s.metrics.IncSubmissionsRejected("forbidden")
		return nil, err
	}
	if err := s.checkRateLimit(ctx, input.OwnerID); err != nil {
		s.metrics.IncSubmissionsRejected("rate_limited")
		return nil, err
	}

	acquired, existingID, err := s.acquireIdempotency(ctx, input.OwnerID, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !acquired && existingID > 0 {
		return s.getByID(ctx, existingID)
	}

	submission, err := s.create(ctx, input)
	if err != nil {
		s.releaseIdempotency(ctx, input.OwnerID, input.IdempotencyKey, acquired)
		return nil, err
	}
	s.finalizeIdempotency(ctx, input.OwnerID, input.IdempotencyKey, submission.ID, acquired)

	s.metrics.IncSubmissionsCreated()
	s.metrics.IncTransition(string(model.StatusPending))
	logger.Info(ctx, "submission created",
		zap.Int64("submission_id", submission.ID),
		zap.Int64("owner_id", submission.OwnerID),
		zap.Int64("assignment_id", submission.AssignmentID),
		zap.String("path", submission.ArtifactPath),
	)

	if d := s.getDispatcher(); d != nil {
		d.Dispatch(ctx, submission.ID, submission.ArtifactPath)
	} else {
		logger.Warn(ctx, "no dispatcher configured, submission left pending", zap.Int64("submission_id", submission.ID))
	}
	return submission, nil
}

func (s *SubmissionService) create(ctx context.Context, input SubmitInput) (*model.Submission, error) {
	if err := s.checkAssignment(ctx, input.AssignmentID); err != nil {
		return nil, err
	}

	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	handle, err := s.artifacts.Store(ctxStorage.ctx, input.OwnerID, bytes.NewReader(input.Data), int64(len(input.Data)), input.FileName)
	ctxStorage.cancel()
	if err != nil {
		s.metrics.IncSubmissionsRejected("store_failed")
		if appErr.GetCode(err) == appErr.InternalServerError {
			return nil, appErr.Wrapf(err, appErr.ArtifactStoreFailed, "store submission archive failed")
		}
		return nil, err
	}

	submission := model.NewSubmission(input.OwnerID, input.AssignmentID, handle.String(), s.now())
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	id, err := s.repo.Create(ctxDB.ctx, submission)
	ctxDB.cancel()
	if err != nil {
		s.removeArtifact(ctx, handle)
		s.metrics.IncSubmissionsRejected("create_failed")
		return nil, appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
	}
	submission.ID = id
	return submission, nil
}

func (s *SubmissionService) checkAssignment(ctx context.Context, assignmentID int64) error {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	a, err := s.assignments.Get(ctxDB.ctx, assignmentID)
	if err != nil {
		if errors.Is(err, assignment.ErrAssignmentNotFound) {
			s.metrics.IncSubmissionsRejected("assignment_not_found")
			return appErr.New(appErr.AssignmentNotFound).WithMessagef("assignment %d not found", assignmentID)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "get assignment failed")
	}
	if !a.AcceptsSubmissions {
		s.metrics.IncSubmissionsRejected("closed")
		return appErr.New(appErr.SubmissionsClosed)
	}
	return nil
}

func (s *SubmissionService) removeArtifact(ctx context.Context, handle artifact.Handle) {
	ctxStorage := withTimeout(context.WithoutCancel(ctx), s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.artifacts.Remove(ctxStorage.ctx, handle); err != nil {
		logger.Warn(ctx, "remove orphaned artifact failed", zap.String("path", handle.String()), zap.Error(err))
	}
}

// ReportRunning moves a PENDING submission to RUNNING. Repeated calls are no-ops.
func (s *SubmissionService) ReportRunning(ctx context.Context, submissionID int64) (*model.Submission, error) {
	submission, changed, err := s.transition(ctx, submissionID, func(sub *model.Submission) (bool, error) {
		return sub.MarkRunning(s.now()), nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.metrics.IncTransition(string(model.StatusRunning))
		logger.Info(ctx, "submission running", zap.Int64("submission_id", submissionID))
	} else {
		logger.Debug(ctx, "duplicate running report ignored",
			zap.Int64("submission_id", submissionID),
			zap.String("status", string(submission.Status)),
		)
	}
	return submission, nil
}

// ReportResult moves a non-terminal submission to COMPLETE or ERROR.
// A result for a terminal submission is accepted and leaves it unchanged.
func (s *SubmissionService) ReportResult(ctx context.Context, submissionID int64, result model.Result) (*model.Submission, error) {
	submission, changed, err := s.transition(ctx, submissionID, func(sub *model.Submission) (bool, error) {
		if sub.Status.IsTerminal() {
			return false, nil
		}
		outcome, err := s.policy.Decide(result)
		if err != nil {
			return false, err
		}
		return sub.ApplyOutcome(outcome, s.now()), nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		logger.Debug(ctx, "duplicate result report ignored",
			zap.Int64("submission_id", submissionID),
			zap.String("status", string(submission.Status)),
		)
		return submission, nil
	}

	s.metrics.IncTransition(string(submission.Status))
	fields := []zap.Field{
		zap.Int64("submission_id", submissionID),
		zap.String("status", string(submission.Status)),
	}
	if submission.Score != nil {
		fields = append(fields, zap.Float64("score", *submission.Score))
	}
	logger.Info(ctx, "submission finished", fields...)
	s.publishFinal(ctx, submission)
	return submission, nil
}

// ReportDispatchFailure marks a submission ERROR after the worker could not be notified.
func (s *SubmissionService) ReportDispatchFailure(ctx context.Context, submissionID int64, log string) error {
	_, err := s.ReportResult(ctx, submissionID, model.Result{Log: log, Status: string(model.StatusError)})
	return err
}

func (s *SubmissionService) transition(ctx context.Context, submissionID int64, fn repository.TransitionFunc) (*model.Submission, bool, error) {
	if submissionID <= 0 {
		return nil, false, appErr.ValidationError("submission_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	submission, changed, err := s.repo.Transition(ctxDB.ctx, submissionID, fn)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, false, appErr.New(appErr.SubmissionNotFound)
		}
		if code := appErr.GetCode(err); code != appErr.InternalServerError {
			return nil, false, err
		}
		return nil, false, appErr.Wrapf(err, appErr.StatusUpdateFailed, "update submission status failed")
	}
	return submission, changed, nil
}

func (s *SubmissionService) publishFinal(ctx context.Context, submission *model.Submission) {
	ctxEvent := withTimeout(context.WithoutCancel(ctx), s.timeouts.Event)
	defer ctxEvent.cancel()
	if err := s.publisher.PublishFinal(ctxEvent.ctx, submission); err != nil {
		s.metrics.IncEventPublished("failed")
		logger.Warn(ctx, "publish status event failed", zap.Int64("submission_id", submission.ID), zap.Error(err))
		return
	}
	s.metrics.IncEventPublished("ok")
}

// Get returns one submission if the caller may read it.
func (s *SubmissionService) Get(ctx context.Context, caller auth.Caller, submissionID int64) (*model.Submission, error) {
	if submissionID <= 0 {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	submission, err := s.getByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if err := auth.AuthorizeRead(caller, submission.OwnerID); err != nil {
		return nil, err
	}
	return submission, nil
}

// ListMine returns the caller's most recent submissions.
func (s *SubmissionService) ListMine(ctx context.Context, caller auth.Caller, limit int) ([]*model.Submission, error) {
	if caller.ID <= 0 {
		return nil, appErr.UnauthorizedError("")
	}
	if limit <= 0 {
		limit = s.listLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	items, err := s.repo.ListByOwner(ctxDB.ctx, caller.ID, limit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	return items, nil
}

// ListAll returns one page of every submission. Admin only.
func (s *SubmissionService) ListAll(ctx context.Context, caller auth.Caller, page, pageSize int) ([]*model.Submission, int64, error) {
	if err := auth.RequireAdmin(caller); err != nil {
		return nil, 0, err
	}
	page, pageSize = NormalizePage(page, pageSize)
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	items, total, err := s.repo.ListAll(ctxDB.ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	return items, total, nil
}

func (s *SubmissionService) getByID(ctx context.Context, submissionID int64) (*model.Submission, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	submission, err := s.repo.GetByID(ctxDB.ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return submission, nil
}

func (s *SubmissionService) validateInput(input SubmitInput) error {
	if input.OwnerID <= 0 {
		return appErr.ValidationError("studentId", "required")
	}
	if input.AssignmentID <= 0 {
		return appErr.ValidationError("assignmentId", "required")
	}
	if len(input.Data) == 0 {
		return appErr.ValidationError("file", "required")
	}
	if int64(len(input.Data)) > s.maxArchiveBytes {
		return appErr.New(appErr.ArchiveTooLarge).WithDetail("max_bytes", s.maxArchiveBytes)
	}
	return validateArchive(input.Data)
}

func validateArchive(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return appErr.Wrap(err, appErr.ArchiveInvalid).WithMessage(appErr.ArchiveInvalid.Message())
	}
	if len(zr.File) == 0 {
		return appErr.New(appErr.ArchiveInvalid).WithMessage("submission archive is empty")
	}
	return nil
}

func (s *SubmissionService) checkRateLimit(ctx context.Context, ownerID int64) error {
	if s.cache == nil || s.rateLimit.Window <= 0 || s.rateLimit.OwnerMax <= 0 {
		return nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	key := rateOwnerKeyPrefix + strconv.FormatInt(ownerID, 10)
	count, err := s.cache.Incr(ctxCache.ctx, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	if count == 1 {
		if err := s.cache.Expire(ctxCache.ctx, key, s.rateLimit.Window); err != nil {
			// A counter without a window would block the owner for good.
			logger.Warn(ctx, "set rate limit window failed", zap.Int64("owner_id", ownerID), zap.Error(err))
			if delErr := s.cache.Del(ctxCache.ctx, key); delErr != nil {
				logger.Error(ctx, "drop rate limit counter failed", zap.Int64("owner_id", ownerID), zap.Error(delErr))
			}
		}
	}
	if int(count) > s.rateLimit.OwnerMax {
		return appErr.New(appErr.SubmitTooFrequently)
	}
	return nil
}

func idempotencyCacheKey(ownerID int64, key string) string {
	return idempotencyKeyPrefix + strconv.FormatInt(ownerID, 10) + ":" + key
}

func (s *SubmissionService) acquireIdempotency(ctx context.Context, ownerID int64, key string) (bool, int64, error) {
	key = strings.TrimSpace(key)
	if key == "" || s.cache == nil {
		return true, 0, nil
	}
	cacheKey := idempotencyCacheKey(ownerID, key)
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	ok, err := s.cache.SetNX(ctxCache.ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, 0, appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, 0, nil
	}
	existing, err := s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, 0, appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if id, parseErr := strconv.ParseInt(existing, 10, 64); parseErr == nil && id > 0 {
		return false, id, nil
	}
	return false, 0, appErr.New(appErr.TooManyRequests).WithMessage("request is processing")
}

func (s *SubmissionService) finalizeIdempotency(ctx context.Context, ownerID int64, key string, submissionID int64, acquired bool) {
	key = strings.TrimSpace(key)
	if !acquired || key == "" || s.cache == nil {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, idempotencyCacheKey(ownerID, key), strconv.FormatInt(submissionID, 10), s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *SubmissionService) releaseIdempotency(ctx context.Context, ownerID int64, key string, acquired bool) {
	key = strings.TrimSpace(key)
	if !acquired || key == "" || s.cache == nil {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, idempotencyCacheKey(ownerID, key)); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

// NormalizePage applies the default and maximum page size.
func NormalizePage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
