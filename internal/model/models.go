// internal/model/models.go
package model

import "time"

// Repository is the aggregation root every projection row references.
// Created once when a repository is connected; this pipeline never deletes it.
type Repository struct {
	ID             int64
	GithubRepoID   int64 `json:"github_repo_id"`
	Owner          string
	Name           string
	InstallationID int64
	DBCreatedAt    time.Time
	DBUpdatedAt    time.Time
}

// FullName returns the owner/name form used in API paths and logs.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// User is a GitHub account observed as an author, assignee or actor on any
// synced entity. Keyed by the external numeric id; refreshed on every sighting.
type User struct {
	GithubUserID int64
	Login        string
	AvatarURL    string
	Type         string // "User", "Bot" or "Organization"
}

type Branch struct {
	RepositoryID int64
	Name         string
	HeadSha      string
	Protected    bool
}

type PullRequest struct {
	RepositoryID    int64
	GithubPrID      int64
	Number          int
	Title           string
	Body            string
	State           string // open, closed
	Draft           bool
	Merged          bool
	AuthorID        *int64
	Labels          []string
	HeadRef         string
	HeadSha         string
	BaseRef         string
	GithubCreatedAt time.Time
	GithubUpdatedAt time.Time
	MergedAt        *time.Time
	ClosedAt        *time.Time
}

type Issue struct {
	RepositoryID    int64
	GithubIssueID   int64
	Number          int
	Title           string
	Body            string
	State           string
	AuthorID        *int64
	AssigneeIDs     []int64
	Labels          []string
	CommentCount    int
	GithubCreatedAt time.Time
	GithubUpdatedAt time.Time
	ClosedAt        *time.Time
}

type Commit struct {
	RepositoryID int64
	Sha          string
	Message      string
	AuthorID     *int64
	AuthorName   string
	AuthorEmail  string
	CommittedAt  time.Time
}

type CheckRun struct {
	RepositoryID     int64
	GithubCheckRunID int64
	HeadSha          string
	Name             string
	Status           string // queued, in_progress, completed
	Conclusion       string // success, failure, neutral, cancelled, skipped, timed_out, action_required
	DetailsURL       string
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

type WorkflowRun struct {
	RepositoryID    int64
	GithubRunID     int64
	WorkflowID      int64
	Name            string
	HeadBranch      string
	HeadSha         string
	RunNumber       int
	Event           string
	Status          string
	Conclusion      string
	ActorID         *int64
	GithubCreatedAt time.Time
	GithubUpdatedAt time.Time
}

type WorkflowJob struct {
	RepositoryID int64
	GithubJobID  int64
	GithubRunID  int64
	Name         string
	Status       string
	Conclusion   string
	RunnerName   string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// PullRequestFile is one entry of a pull request's per-file diff listing,
// populated by the follow-up sync scheduled after bootstrap.
type PullRequestFile struct {
	RepositoryID      int64
	PullRequestNumber int
	Filename          string
	Status            string // added, removed, modified, renamed
	Additions         int
	Deletions         int
	PreviousFilename  string
	Patch             string
}

// DeadLetter records a page element that failed shape validation. The
// delivery id is deterministic per (resource kind, repository, page, index)
// so retrying a page never duplicates dead letters. Write-once; triage is
// an external concern.
type DeadLetter struct {
	DeliveryID   string
	RepositoryID int64
	Resource     string
	Reason       string
	PayloadJSON  []byte
	DBCreatedAt  time.Time
}

// SyncTarget identifies one open pull request that still needs its per-file
// diff listing fetched.
type SyncTarget struct {
	PullRequestNumber int    `json:"pull_request_number"`
	HeadSha           string `json:"head_sha"`
}

// SyncStatus aggregates projection row counts for one repository.
type SyncStatus struct {
	Branches     int64 `json:"branches"`
	PullRequests int64 `json:"pull_requests"`
	Issues       int64 `json:"issues"`
	Commits      int64 `json:"commits"`
	CheckRuns    int64 `json:"check_runs"`
	WorkflowRuns int64 `json:"workflow_runs"`
	WorkflowJobs int64 `json:"workflow_jobs"`
	DeadLetters  int64 `json:"dead_letters"`
}
