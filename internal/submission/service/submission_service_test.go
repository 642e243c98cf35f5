package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"autograder/internal/artifact"
	"autograder/internal/assignment"
	"autograder/internal/auth"
	"autograder/internal/common/cache"
	"autograder/internal/common/db"
	"autograder/internal/submission/dispatch"
	"autograder/internal/submission/model"
	"autograder/internal/submission/repository"
	appErr "autograder/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zip"
	"github.com/redis/go-redis/v9"
)

type memoryRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*model.Submission
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: map[int64]*model.Submission{}}
}

func clone(s *model.Submission) *model.Submission {
	c := *s
	return &c
}

func (r *memoryRepo) Create(_ context.Context, s *model.Submission) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c := clone(s)
	c.ID = r.nextID
	r.rows[c.ID] = c
	return c.ID, nil
}

func (r *memoryRepo) GetByID(_ context.Context, id int64) (*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrSubmissionNotFound
	}
	return clone(s), nil
}

func (r *memoryRepo) ListByOwner(_ context.Context, ownerID int64, limit int) ([]*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Submission
	for _, s := range r.rows {
		if s.OwnerID == ownerID {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) ListAll(_ context.Context, offset, limit int) ([]*model.Submission, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Submission
	for _, s := range r.rows {
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *memoryRepo) Transition(_ context.Context, id int64, fn repository.TransitionFunc) (*model.Submission, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, false, repository.ErrSubmissionNotFound
	}
	working := clone(s)
	changed, err := fn(working)
	if err != nil {
		return nil, false, err
	}
	if changed {
		r.rows[id] = working
	}
	return clone(working), changed, nil
}

func (r *memoryRepo) MarkDispatched(_ context.Context, id int64, attempts int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return repository.ErrSubmissionNotFound
	}
	s.MarkDispatched(attempts, at)
	return nil
}

func (r *memoryRepo) ListUndispatched(context.Context, time.Time, int) ([]*model.Submission, error) {
	return nil, nil
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type fakeAssignments map[int64]assignment.Assignment

func (f fakeAssignments) Get(_ context.Context, id int64) (assignment.Assignment, error) {
	a, ok := f[id]
	if !ok {
		return assignment.Assignment{}, assignment.ErrAssignmentNotFound
	}
	return a, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.Submission
}

func (p *recordingPublisher) PublishFinal(_ context.Context, s *model.Submission) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, clone(s))
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls map[int64]string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id int64, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = map[int64]string{}
	}
	d.calls[id] = path
}

const (
	openAssignment   int64 = 1
	closedAssignment int64 = 2
)

type fixture struct {
	svc        *SubmissionService
	repo       *memoryRepo
	publisher  *recordingPublisher
	dispatcher *recordingDispatcher
	root       string
	redis      *miniredis.Miniredis
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = redisCache.Close() })

	root := t.TempDir()
	store, err := artifact.NewLocalStore(root, "uploads")
	if err != nil {
		t.Fatalf("new local store failed: %v", err)
	}
	f := &fixture{
		repo:       newMemoryRepo(),
		publisher:  &recordingPublisher{},
		dispatcher: &recordingDispatcher{},
		root:       root,
		redis:      mr,
	}
	cfg := Config{
		Repo: f.repo,
		Assignments: fakeAssignments{
			openAssignment:   {ID: openAssignment, AcceptsSubmissions: true},
			closedAssignment: {ID: closedAssignment, AcceptsSubmissions: false},
		},
		Artifacts: store,
		Cache:     redisCache,
		Publisher: f.publisher,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewSubmissionService(cfg)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	svc.SetDispatcher(f.dispatcher)
	f.svc = svc
	return f
}

func zipArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("main.py")
	if err != nil {
		t.Fatalf("create zip entry failed: %v", err)
	}
	if _, err := w.Write([]byte("print('hello')\n")); err != nil {
		t.Fatalf("write zip entry failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip failed: %v", err)
	}
	return buf.Bytes()
}

func student(id int64) auth.Caller { return auth.Caller{ID: id, Role: auth.RoleStudent} }

func admin() auth.Caller { return auth.Caller{ID: 999, Role: auth.RoleAdmin} }

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func (f *fixture) submit(t *testing.T, owner int64) *model.Submission {
	t.Helper()
	sub, err := f.svc.Submit(context.Background(), student(owner), SubmitInput{
		OwnerID:      owner,
		AssignmentID: openAssignment,
		FileName:     "hw.zip",
		Data:         zipArchive(t),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return sub
}

func TestSubmitCreatesPendingAndDispatches(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.submit(t, 7)

	if sub.ID <= 0 || sub.Status != model.StatusPending || sub.Score != nil {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	data, err := os.ReadFile(sub.ArtifactPath)
	if err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	if !bytes.Equal(data, zipArchive(t)) {
		t.Fatalf("artifact bytes differ")
	}
	if f.dispatcher.calls[sub.ID] != sub.ArtifactPath {
		t.Fatalf("submission not dispatched: %v", f.dispatcher.calls)
	}
}

func TestSubmitSameNameTwiceKeepsBothArtifacts(t *testing.T) {
	f := newFixture(t, nil)
	a := f.submit(t, 7)
	b := f.submit(t, 7)
	if a.ArtifactPath == b.ArtifactPath {
		t.Fatalf("artifact handles collide: %s", a.ArtifactPath)
	}
	if countFiles(t, f.root) != 2 {
		t.Fatalf("expected two artifacts on disk")
	}
}

func TestSubmitClosedAssignmentCreatesNothing(t *testing.T) {
	f := newFixture(t, nil)
	for _, caller := range []auth.Caller{student(7), admin()} {
		_, err := f.svc.Submit(context.Background(), caller, SubmitInput{
			OwnerID:      caller.ID,
			AssignmentID: closedAssignment,
			FileName:     "hw.zip",
			Data:         zipArchive(t),
		})
		if !appErr.Is(err, appErr.SubmissionsClosed) {
			t.Fatalf("expected SubmissionsClosed, got %v", err)
		}
	}
	if f.repo.count() != 0 {
		t.Fatalf("closed assignment must not create records")
	}
	if countFiles(t, f.root) != 0 {
		t.Fatalf("closed assignment must not store artifacts")
	}
	if len(f.dispatcher.calls) != 0 {
		t.Fatalf("closed assignment must not dispatch")
	}
}

// assignmentsDB serves the assignments table for the MySQL lookup.
type assignmentsDB struct {
	mu     sync.Mutex
	closed map[int64]bool
}

type assignmentRow struct {
	id     int64
	closed bool
	err    error
}

func (r assignmentRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.id
	*dest[1].(*bool) = r.closed
	*dest[2].(*bool) = false
	return nil
}

func (a *assignmentsDB) setClosed(id int64, closed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed[id] = closed
}

func (a *assignmentsDB) QueryRow(_ context.Context, _ string, args ...interface{}) db.Row {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := args[0].(int64)
	closed, ok := a.closed[id]
	if !ok {
		return assignmentRow{err: sql.ErrNoRows}
	}
	return assignmentRow{id: id, closed: closed}
}

func (a *assignmentsDB) Query(context.Context, string, ...interface{}) (db.Rows, error) {
	return nil, errors.New("not implemented")
}

func (a *assignmentsDB) Exec(context.Context, string, ...interface{}) (db.Result, error) {
	return nil, errors.New("not implemented")
}

func (a *assignmentsDB) Transaction(context.Context, func(tx db.Transaction) error) error {
	return errors.New("not implemented")
}

func (a *assignmentsDB) Ping(context.Context) error { return nil }
func (a *assignmentsDB) Close() error               { return nil }

func TestSubmitAfterAssignmentClosedCreatesNothing(t *testing.T) {
	table := &assignmentsDB{closed: map[int64]bool{openAssignment: false}}
	f := newFixture(t, func(cfg *Config) { cfg.Assignments = assignment.NewMySQLLookup(table) })

	f.submit(t, 7)
	table.setClosed(openAssignment, true)

	_, err := f.svc.Submit(context.Background(), student(7), SubmitInput{
		OwnerID:      7,
		AssignmentID: openAssignment,
		FileName:     "hw.zip",
		Data:         zipArchive(t),
	})
	if !appErr.Is(err, appErr.SubmissionsClosed) {
		t.Fatalf("expected SubmissionsClosed right after closing, got %v", err)
	}
	if f.repo.count() != 1 || countFiles(t, f.root) != 1 {
		t.Fatalf("closed assignment must not add records or artifacts, records=%d files=%d",
			f.repo.count(), countFiles(t, f.root))
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxArchiveBytes = 4096 })
	tests := []struct {
		name  string
		input SubmitInput
		code  appErr.ErrorCode
	}{
		{"missing file", SubmitInput{OwnerID: 7, AssignmentID: openAssignment}, appErr.ValidationFailed},
		{"missing assignment", SubmitInput{OwnerID: 7, Data: zipArchive(t)}, appErr.ValidationFailed},
		{"not a zip", SubmitInput{OwnerID: 7, AssignmentID: openAssignment, Data: []byte("plain text")}, appErr.ArchiveInvalid},
		{"too large", SubmitInput{OwnerID: 7, AssignmentID: openAssignment, Data: make([]byte, 5000)}, appErr.ArchiveTooLarge},
		{"unknown assignment", SubmitInput{OwnerID: 7, AssignmentID: 42, Data: zipArchive(t)}, appErr.AssignmentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), student(7), tt.input)
			if got := appErr.GetCode(err); got != tt.code {
				t.Fatalf("expected %v, got %v (%v)", tt.code, got, err)
			}
		})
	}
	if f.repo.count() != 0 || countFiles(t, f.root) != 0 {
		t.Fatalf("rejected submissions must not leave state behind")
	}
}

func TestSubmitOnBehalfOfAnotherStudentDenied(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Submit(context.Background(), student(7), SubmitInput{
		OwnerID:      8,
		AssignmentID: openAssignment,
		Data:         zipArchive(t),
	})
	if !appErr.Is(err, appErr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestSubmitIdempotencyKeyReplaysFirstSubmission(t *testing.T) {
	f := newFixture(t, nil)
	input := SubmitInput{OwnerID: 7, AssignmentID: openAssignment, FileName: "hw.zip", Data: zipArchive(t), IdempotencyKey: "retry-1"}
	first, err := f.svc.Submit(context.Background(), student(7), input)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := f.svc.Submit(context.Background(), student(7), input)
	if err != nil {
		t.Fatalf("replayed submit failed: %v", err)
	}
	if first.ID != second.ID || f.repo.count() != 1 {
		t.Fatalf("expected replay of %d, got %d with %d records", first.ID, second.ID, f.repo.count())
	}
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{OwnerMax: 1, Window: time.Minute}
	})
	f.submit(t, 7)
	_, err := f.svc.Submit(context.Background(), student(7), SubmitInput{
		OwnerID:      7,
		AssignmentID: openAssignment,
		Data:         zipArchive(t),
	})
	if !appErr.Is(err, appErr.SubmitTooFrequently) {
		t.Fatalf("expected SubmitTooFrequently, got %v", err)
	}
	f.redis.FastForward(2 * time.Minute)
	f.submit(t, 7)
}

// expireFailingCache loses every EXPIRE, leaving counters without a window.
type expireFailingCache struct{ cache.Cache }

func (expireFailingCache) Expire(context.Context, string, time.Duration) error {
	return errors.New("connection reset")
}

func TestSubmitRateLimitCounterDroppedWhenWindowNotSet(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Cache = expireFailingCache{cfg.Cache}
		cfg.RateLimit = RateLimitConfig{OwnerMax: 1, Window: time.Minute}
	})
	f.submit(t, 7)
	if f.redis.Exists(rateOwnerKeyPrefix + "7") {
		t.Fatalf("counter without a window must not be kept")
	}
	f.submit(t, 7)
}

type failingRepo struct{ *memoryRepo }

func (failingRepo) Create(context.Context, *model.Submission) (int64, error) {
	return 0, context.DeadlineExceeded
}

func TestSubmitRemovesArtifactWhenRecordFails(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Repo = failingRepo{newMemoryRepo()} })
	_, err := f.svc.Submit(context.Background(), student(7), SubmitInput{
		OwnerID:      7,
		AssignmentID: openAssignment,
		Data:         zipArchive(t),
	})
	if !appErr.Is(err, appErr.SubmissionCreateFailed) {
		t.Fatalf("expected SubmissionCreateFailed, got %v", err)
	}
	if countFiles(t, f.root) != 0 {
		t.Fatalf("orphaned artifact left behind")
	}
}

func TestReportRunningTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.submit(t, 7)

	for i := 0; i < 2; i++ {
		got, err := f.svc.ReportRunning(context.Background(), sub.ID)
		if err != nil {
			t.Fatalf("report running #%d failed: %v", i+1, err)
		}
		if got.Status != model.StatusRunning {
			t.Fatalf("expected RUNNING, got %s", got.Status)
		}
	}
}

func TestReportUnknownSubmission(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.ReportRunning(context.Background(), 404); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
	score := 1.0
	if _, err := f.svc.ReportResult(context.Background(), 404, model.Result{Score: &score}); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
}

func TestReportResultCompletesOnceAndIgnoresDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.submit(t, 7)
	score := 87.5

	got, err := f.svc.ReportResult(context.Background(), sub.ID, model.Result{Score: &score, Log: "all tests passed"})
	if err != nil {
		t.Fatalf("report result failed: %v", err)
	}
	if got.Status != model.StatusComplete || got.Score == nil || *got.Score != 87.5 {
		t.Fatalf("unexpected result: %+v", got)
	}

	other := 10.0
	dup, err := f.svc.ReportResult(context.Background(), sub.ID, model.Result{Score: &other, Log: "second run"})
	if err != nil {
		t.Fatalf("duplicate result must not fail: %v", err)
	}
	if *dup.Score != 87.5 || *dup.Log != "all tests passed" {
		t.Fatalf("terminal submission changed: %+v", dup)
	}
	if _, err := f.svc.ReportRunning(context.Background(), sub.ID); err != nil {
		t.Fatalf("late running report must not fail: %v", err)
	}
	stored, _ := f.repo.GetByID(context.Background(), sub.ID)
	if stored.Status != model.StatusComplete {
		t.Fatalf("terminal submission moved to %s", stored.Status)
	}
	if f.publisher.count() != 1 {
		t.Fatalf("expected one final event, got %d", f.publisher.count())
	}
}

func TestReportResultFailureMarkerRoutesToError(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.submit(t, 7)
	score := 100.0

	got, err := f.svc.ReportResult(context.Background(), sub.ID, model.Result{
		Score: &score,
		Log:   "test 3: " + model.DefaultFailureMarker,
	})
	if err != nil {
		t.Fatalf("report result failed: %v", err)
	}
	if got.Status != model.StatusError || got.Score != nil {
		t.Fatalf("expected ERROR without score, got %+v", got)
	}
}

func TestReportResultWithoutScoreRejected(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.submit(t, 7)
	_, err := f.svc.ReportResult(context.Background(), sub.ID, model.Result{Log: "done"})
	if !appErr.Is(err, appErr.ResultInvalid) {
		t.Fatalf("expected ResultInvalid, got %v", err)
	}
	stored, _ := f.repo.GetByID(context.Background(), sub.ID)
	if stored.Status != model.StatusPending {
		t.Fatalf("invalid result must not change status, got %s", stored.Status)
	}
}

func TestGetAccessControl(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.submit(t, 7)

	if _, err := f.svc.Get(context.Background(), student(8), sub.ID); !appErr.Is(err, appErr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied for non-owner, got %v", err)
	}
	for _, caller := range []auth.Caller{student(7), admin()} {
		got, err := f.svc.Get(context.Background(), caller, sub.ID)
		if err != nil || got.ID != sub.ID {
			t.Fatalf("caller %+v should read submission: %v", caller, err)
		}
	}
	if _, err := f.svc.Get(context.Background(), student(7), 12345); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
}

func TestListMineAndListAll(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, 7)
	f.submit(t, 7)
	f.submit(t, 8)

	mine, err := f.svc.ListMine(context.Background(), student(7), 0)
	if err != nil || len(mine) != 2 {
		t.Fatalf("expected 2 own submissions, got %d (%v)", len(mine), err)
	}
	for _, s := range mine {
		if s.OwnerID != 7 {
			t.Fatalf("foreign submission listed: %+v", s)
		}
	}

	if _, _, err := f.svc.ListAll(context.Background(), student(7), 1, 10); !appErr.Is(err, appErr.InsufficientPermission) {
		t.Fatalf("expected InsufficientPermission, got %v", err)
	}
	items, total, err := f.svc.ListAll(context.Background(), admin(), 1, 2)
	if err != nil || total != 3 || len(items) != 2 {
		t.Fatalf("unexpected page: %d items, total %d, err %v", len(items), total, err)
	}
}

func TestDispatchTransportFailureEndsInError(t *testing.T) {
	f := newFixture(t, nil)
	worker := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	workerURL := worker.URL
	worker.Close()

	notifier, err := dispatch.NewHTTPNotifier(workerURL, time.Second, "")
	if err != nil {
		t.Fatalf("new notifier failed: %v", err)
	}
	d, err := dispatch.NewDispatcher(dispatch.Config{}, notifier, f.repo, f.svc, nil)
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}
	f.svc.SetDispatcher(d)

	sub := f.submit(t, 7)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close dispatcher failed: %v", err)
	}

	stored, err := f.repo.GetByID(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != model.StatusError {
		t.Fatalf("expected ERROR after transport failure, got %s", stored.Status)
	}
	if stored.Log == nil || !strings.HasPrefix(*stored.Log, dispatch.FailureLogPrefix) {
		t.Fatalf("log must explain the dispatch failure: %v", stored.Log)
	}
	if stored.Score != nil {
		t.Fatalf("ERROR submission must not carry a score")
	}
}
