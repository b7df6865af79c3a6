// internal/syncer/runner_test.go
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-mirror/internal/gh"
	"github-mirror/internal/model"
)

type page[T any] struct {
	items   []T
	skipped []gh.Skipped
}

func (p page[T]) raw() int { return len(p.items) + len(p.skipped) }

func pick[T any](pages []page[T], n int) ([]T, []gh.Skipped, error) {
	if n < 1 || n > len(pages) {
		return nil, nil, nil
	}
	return pages[n-1].items, pages[n-1].skipped, nil
}

// fakeFetcher serves canned pages per resource and records which page
// numbers were requested.
type fakeFetcher struct {
	mu           sync.Mutex
	branchPages  []page[gh.BranchRecord]
	prPages      []page[gh.PullRequestRecord]
	issuePages   []page[gh.IssueRecord]
	commitPages  []page[gh.CommitRecord]
	checkRuns    map[string][]page[gh.CheckRunRecord]
	runPages     []page[gh.WorkflowRunRecord]
	jobPages     map[int64][]page[gh.WorkflowJobRecord]
	filePages    map[int][]page[gh.PullRequestFileRecord]
	pagesFetched map[gh.Resource][]int
	commitsErr   error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pagesFetched: make(map[gh.Resource][]int)}
}

func (f *fakeFetcher) record(res gh.Resource, page int) {
	f.mu.Lock()
	f.pagesFetched[res] = append(f.pagesFetched[res], page)
	f.mu.Unlock()
}

func (f *fakeFetcher) ListBranches(_ context.Context, _, _ string, page int) ([]gh.BranchRecord, []gh.Skipped, error) {
	f.record(gh.ResourceBranches, page)
	return pick(f.branchPages, page)
}

func (f *fakeFetcher) ListPullRequests(_ context.Context, _, _ string, page int) ([]gh.PullRequestRecord, []gh.Skipped, error) {
	f.record(gh.ResourcePullRequests, page)
	return pick(f.prPages, page)
}

func (f *fakeFetcher) ListIssues(_ context.Context, _, _ string, page int) ([]gh.IssueRecord, []gh.Skipped, error) {
	f.record(gh.ResourceIssues, page)
	return pick(f.issuePages, page)
}

func (f *fakeFetcher) ListCommits(_ context.Context, _, _ string, page int) ([]gh.CommitRecord, []gh.Skipped, error) {
	f.record(gh.ResourceCommits, page)
	if f.commitsErr != nil {
		return nil, nil, f.commitsErr
	}
	return pick(f.commitPages, page)
}

func (f *fakeFetcher) ListCheckRuns(_ context.Context, _, _, headSha string, page int) ([]gh.CheckRunRecord, []gh.Skipped, error) {
	f.record(gh.ResourceCheckRuns, page)
	return pick(f.checkRuns[headSha], page)
}

func (f *fakeFetcher) ListWorkflowRuns(_ context.Context, _, _ string, page int) ([]gh.WorkflowRunRecord, []gh.Skipped, error) {
	f.record(gh.ResourceWorkflowRuns, page)
	return pick(f.runPages, page)
}

func (f *fakeFetcher) ListWorkflowJobs(_ context.Context, _, _ string, runID int64, page int) ([]gh.WorkflowJobRecord, []gh.Skipped, error) {
	f.record(gh.ResourceWorkflowJobs, page)
	return pick(f.jobPages[runID], page)
}

func (f *fakeFetcher) ListPullRequestFiles(_ context.Context, _, _ string, number, page int) ([]gh.PullRequestFileRecord, []gh.Skipped, error) {
	f.record(gh.ResourcePullRequestFiles, page)
	return pick(f.filePages[number], page)
}

// fakeStore accumulates everything the runner writes.
type fakeStore struct {
	mu          sync.Mutex
	users       [][]model.User
	branches    []model.Branch
	prs         []model.PullRequest
	issues      []model.Issue
	commits     []model.Commit
	checkRuns   []model.CheckRun
	runs        []model.WorkflowRun
	jobs        []model.WorkflowJob
	files       []model.PullRequestFile
	deadLetters []model.DeadLetter
	prBatches   []int
}

func (s *fakeStore) UpsertUsers(_ context.Context, users []model.User) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, users)
	return len(users), nil
}

func (s *fakeStore) UpsertBranches(_ context.Context, rows []model.Branch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches = append(s.branches, rows...)
	return len(rows), nil
}

func (s *fakeStore) UpsertPullRequests(_ context.Context, rows []model.PullRequest, skipProjections bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs = append(s.prs, rows...)
	s.prBatches = append(s.prBatches, len(rows))
	return len(rows), nil
}

func (s *fakeStore) UpsertIssues(_ context.Context, rows []model.Issue, skipProjections bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, rows...)
	return len(rows), nil
}

func (s *fakeStore) UpsertCommits(_ context.Context, rows []model.Commit) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, rows...)
	return len(rows), nil
}

func (s *fakeStore) UpsertCheckRuns(_ context.Context, rows []model.CheckRun) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkRuns = append(s.checkRuns, rows...)
	return len(rows), nil
}

func (s *fakeStore) UpsertWorkflowRuns(_ context.Context, rows []model.WorkflowRun) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rows...)
	return len(rows), nil
}

func (s *fakeStore) UpsertWorkflowJobs(_ context.Context, rows []model.WorkflowJob) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, rows...)
	return len(rows), nil
}

func (s *fakeStore) UpsertPullRequestFiles(_ context.Context, rows []model.PullRequestFile) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, rows...)
	return len(rows), nil
}

func (s *fakeStore) InsertDeadLetters(_ context.Context, letters []model.DeadLetter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, letters...)
	return len(letters), nil
}

func testRunner(f *fakeFetcher, s *fakeStore) *Runner {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewRunner(f, s, logger)
}

func prRecords(start, count int, authorID int64) []gh.PullRequestRecord {
	recs := make([]gh.PullRequestRecord, count)
	for i := range recs {
		recs[i] = gh.PullRequestRecord{
			ID:     int64(start + i),
			Number: start + i,
			Title:  fmt.Sprintf("pr %d", start+i),
			State:  "open",
			User:   &gh.Account{ID: authorID, Login: fmt.Sprintf("user%d", authorID)},
		}
		recs[i].Head.Sha = fmt.Sprintf("sha%d", start+i)
	}
	return recs
}

func issueRecords(start, count int) []gh.IssueRecord {
	recs := make([]gh.IssueRecord, count)
	for i := range recs {
		recs[i] = gh.IssueRecord{ID: int64(start + i), Number: start + i, Title: "t", State: "open"}
	}
	return recs
}

func chunkReq(resource gh.Resource, cursor *string) ChunkRequest {
	return ChunkRequest{RepositoryID: 1, Owner: "test", Name: "repo", Resource: resource, Cursor: cursor}
}

func cursor(s string) *string { return &s }

func TestRunChunk_ResumableBootstrap(t *testing.T) {
	// 250 open pull requests across pages of 100, 100 and 50, written by a
	// rotating cast of 5 authors. One invocation drains all three pages.
	fetcher := newFakeFetcher()
	for p := 0; p < 3; p++ {
		count := 100
		if p == 2 {
			count = 50
		}
		var recs []gh.PullRequestRecord
		for i := 0; i < count; i++ {
			n := p*100 + i + 1
			recs = append(recs, prRecords(n, 1, int64(n%5+1))...)
		}
		fetcher.prPages = append(fetcher.prPages, page[gh.PullRequestRecord]{items: recs})
	}
	store := &fakeStore{}

	res, err := testRunner(fetcher, store).RunChunk(context.Background(), chunkReq(gh.ResourcePullRequests, nil))

	require.NoError(t, err)
	assert.Equal(t, 250, res.Written)
	assert.Nil(t, res.NextCursor)
	assert.Equal(t, []int{1, 2, 3}, fetcher.pagesFetched[gh.ResourcePullRequests])
	assert.Len(t, store.prs, 250)
	// Users flushed once, at most the distinct author count.
	require.Len(t, store.users, 1)
	assert.Len(t, store.users[0], 5)
	assert.Empty(t, store.deadLetters)
}

func TestRunChunk_PageBudget(t *testing.T) {
	// More full pages than the budget: exactly ten fetches, then a cursor
	// pointing at the first unfetched page.
	fetcher := newFakeFetcher()
	for p := 0; p < 15; p++ {
		fetcher.prPages = append(fetcher.prPages, page[gh.PullRequestRecord]{items: prRecords(p*100+1, 100, 1)})
	}
	store := &fakeStore{}

	res, err := testRunner(fetcher, store).RunChunk(context.Background(), chunkReq(gh.ResourcePullRequests, nil))

	require.NoError(t, err)
	assert.Equal(t, 1000, res.Written)
	require.NotNil(t, res.NextCursor)
	assert.Equal(t, "11", *res.NextCursor)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, fetcher.pagesFetched[gh.ResourcePullRequests])
}

func TestRunChunk_ResumesFromCursor(t *testing.T) {
	fetcher := newFakeFetcher()
	for p := 0; p < 11; p++ {
		count := 100
		if p == 10 {
			count = 20
		}
		fetcher.prPages = append(fetcher.prPages, page[gh.PullRequestRecord]{items: prRecords(p*100+1, count, 1)})
	}
	store := &fakeStore{}

	res, err := testRunner(fetcher, store).RunChunk(context.Background(), chunkReq(gh.ResourcePullRequests, cursor("11")))

	require.NoError(t, err)
	assert.Equal(t, 20, res.Written)
	assert.Nil(t, res.NextCursor)
	assert.Equal(t, []int{11}, fetcher.pagesFetched[gh.ResourcePullRequests])
}

func TestRunChunk_InvalidCursor(t *testing.T) {
	_, err := testRunner(newFakeFetcher(), &fakeStore{}).RunChunk(context.Background(), chunkReq(gh.ResourcePullRequests, cursor("abc")))
	assert.Error(t, err)
}

func TestRunChunk_DeadLetterCompleteness(t *testing.T) {
	// Page 2 of issues holds 100 raw entries, one malformed: 99 rows are
	// written, one dead letter is produced, and the chunk keeps going.
	fetcher := newFakeFetcher()
	fetcher.issuePages = []page[gh.IssueRecord]{
		{items: issueRecords(1, 100)},
		{
			items:   issueRecords(101, 99),
			skipped: []gh.Skipped{{Index: 42, Raw: []byte(`{"id":"bad"}`), Reason: "issue missing id"}},
		},
		{items: issueRecords(201, 50)},
	}
	store := &fakeStore{}

	res, err := testRunner(fetcher, store).RunChunk(context.Background(), chunkReq(gh.ResourceIssues, nil))

	require.NoError(t, err)
	assert.Equal(t, 249, res.Written)
	assert.Nil(t, res.NextCursor)
	assert.Equal(t, []int{1, 2, 3}, fetcher.pagesFetched[gh.ResourceIssues])

	require.Len(t, store.deadLetters, 1)
	dl := store.deadLetters[0]
	assert.Equal(t, DeliveryID(gh.ResourceIssues, 1, "", 2, 42), dl.DeliveryID)
	assert.Equal(t, "issues", dl.Resource)
	assert.Equal(t, "issue missing id", dl.Reason)
	assert.JSONEq(t, `{"id":"bad"}`, string(dl.PayloadJSON))
}

func TestRunChunk_EmptyRepository(t *testing.T) {
	// The commit listing reports zero items for an empty repository; the
	// chunk succeeds with nothing written and no dead letters.
	fetcher := newFakeFetcher()
	store := &fakeStore{}

	res, err := testRunner(fetcher, store).RunChunk(context.Background(), chunkReq(gh.ResourceCommits, nil))

	require.NoError(t, err)
	assert.Equal(t, 0, res.Written)
	assert.Nil(t, res.NextCursor)
	assert.Empty(t, store.deadLetters)
	assert.Empty(t, store.users)
}

func TestRunChunk_SubBatchWritesPerPage(t *testing.T) {
	// Each page is written immediately, not buffered across the chunk.
	fetcher := newFakeFetcher()
	fetcher.prPages = []page[gh.PullRequestRecord]{
		{items: prRecords(1, 100, 1)},
		{items: prRecords(101, 30, 1)},
	}
	store := &fakeStore{}

	_, err := testRunner(fetcher, store).RunChunk(context.Background(), chunkReq(gh.ResourcePullRequests, nil))

	require.NoError(t, err)
	assert.Equal(t, []int{100, 30}, store.prBatches)
}

func TestRunChunk_WorkflowRunsWithJobs(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.runPages = []page[gh.WorkflowRunRecord]{{items: []gh.WorkflowRunRecord{
		{ID: 11, Name: "ci", Actor: &gh.Account{ID: 5, Login: "eve"}},
		{ID: 12, Name: "release"},
	}}}
	fetcher.jobPages = map[int64][]page[gh.WorkflowJobRecord]{
		11: {{items: []gh.WorkflowJobRecord{{ID: 101, RunID: 11, Name: "build"}, {ID: 102, RunID: 11, Name: "test"}}}},
		12: {{items: []gh.WorkflowJobRecord{{ID: 103, RunID: 12, Name: "publish"}}}},
	}
	store := &fakeStore{}

	res, err := testRunner(fetcher, store).RunChunk(context.Background(), chunkReq(gh.ResourceWorkflowRuns, nil))

	require.NoError(t, err)
	assert.Equal(t, 5, res.Written) // 2 runs + 3 jobs
	assert.Nil(t, res.NextCursor)
	assert.Len(t, store.runs, 2)
	assert.Len(t, store.jobs, 3)
	require.Len(t, store.users, 1)
	assert.Equal(t, "eve", store.users[0][0].Login)
}

func TestRunCheckRunBatch(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.checkRuns = map[string][]page[gh.CheckRunRecord]{
		"sha1": {{items: []gh.CheckRunRecord{{ID: 1, HeadSha: "sha1", Name: "build"}}}},
		"sha2": {{
			items:   []gh.CheckRunRecord{{ID: 2, HeadSha: "sha2", Name: "lint"}},
			skipped: []gh.Skipped{{Index: 1, Raw: []byte(`{}`), Reason: "check run missing id"}},
		}},
		"sha3": {},
	}
	store := &fakeStore{}

	res, err := testRunner(fetcher, store).RunCheckRunBatch(context.Background(), CheckRunBatchRequest{
		RepositoryID: 1, Owner: "test", Name: "repo",
		HeadShas: []string{"sha1", "sha2", "sha3"},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Nil(t, res.NextCursor)
	require.Len(t, store.deadLetters, 1)
	assert.Equal(t, DeliveryID(gh.ResourceCheckRuns, 1, "sha2", 1, 1), store.deadLetters[0].DeliveryID)
}

func TestRunChunk_PullRequestFiles(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.filePages = map[int][]page[gh.PullRequestFileRecord]{
		7: {{items: []gh.PullRequestFileRecord{
			{Filename: "main.go", Status: "modified", Additions: 3, Deletions: 1},
			{Filename: "go.mod", Status: "modified"},
		}}},
	}
	store := &fakeStore{}

	req := chunkReq(gh.ResourcePullRequestFiles, nil)
	req.PullRequestNumber = 7
	res, err := testRunner(fetcher, store).RunChunk(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	require.Len(t, store.files, 2)
	assert.Equal(t, 7, store.files[0].PullRequestNumber)
}

func TestDeliveryID_Deterministic(t *testing.T) {
	a := DeliveryID(gh.ResourceIssues, 1, "", 2, 42)
	b := DeliveryID(gh.ResourceIssues, 1, "", 2, 42)
	c := DeliveryID(gh.ResourceIssues, 1, "", 2, 43)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
