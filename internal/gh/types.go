// internal/gh/types.go
package gh

import (
	"encoding/json"
	"time"
)

// Resource names one kind of paginated listing consumed from the GitHub API.
type Resource string

const (
	ResourceBranches         Resource = "branches"
	ResourcePullRequests     Resource = "pull_requests"
	ResourceIssues           Resource = "issues"
	ResourceCommits          Resource = "commits"
	ResourceCheckRuns        Resource = "check_runs"
	ResourceWorkflowRuns     Resource = "workflow_runs"
	ResourceWorkflowJobs     Resource = "workflow_jobs"
	ResourcePullRequestFiles Resource = "pull_request_files"
)

// Skipped describes one page element that failed shape validation. The
// element is excluded from the accepted items and reported here with its
// original in-page index so it can be dead-lettered.
type Skipped struct {
	Index  int
	Raw    json.RawMessage
	Reason string
}

// Account is an embedded user reference (author, assignee, actor, ...).
// GitHub sometimes sends an empty placeholder object instead of a real
// account; Valid distinguishes the two.
type Account struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
	Type      string `json:"type"`
}

// Valid reports whether the reference points at a real account.
func (a *Account) Valid() bool {
	return a != nil && a.ID != 0 && a.Login != ""
}

// Label accepts both wire shapes GitHub uses for label arrays: a bare
// string or an object with a name field.
type Label struct {
	Name string
}

func (l *Label) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		l.Name = s
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	l.Name = obj.Name
	return nil
}

// LabelNames flattens a label array to plain names, dropping empties.
func LabelNames(labels []Label) []string {
	var names []string
	for _, l := range labels {
		if l.Name != "" {
			names = append(names, l.Name)
		}
	}
	return names
}

type BranchRecord struct {
	Name   string `json:"name"`
	Commit struct {
		Sha string `json:"sha"`
	} `json:"commit"`
	Protected bool `json:"protected"`
}

type PullRequestRecord struct {
	ID     int64    `json:"id"`
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	State  string   `json:"state"`
	Draft  bool     `json:"draft"`
	User   *Account `json:"user"`
	Labels []Label  `json:"labels"`
	Head   struct {
		Ref string `json:"ref"`
		Sha string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

type IssueRecord struct {
	ID        int64      `json:"id"`
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	User      *Account   `json:"user"`
	Assignees []Account  `json:"assignees"`
	Labels    []Label    `json:"labels"`
	Comments  int        `json:"comments"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	// Present when the element is the issue shadow of a pull request.
	PullRequest json.RawMessage `json:"pull_request"`
}

type CommitRecord struct {
	Sha    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *Account `json:"author"`
}

type CheckRunRecord struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	HeadSha     string     `json:"head_sha"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	DetailsURL  string     `json:"details_url"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

type WorkflowRunRecord struct {
	ID         int64     `json:"id"`
	WorkflowID int64     `json:"workflow_id"`
	Name       string    `json:"name"`
	HeadBranch string    `json:"head_branch"`
	HeadSha    string    `json:"head_sha"`
	RunNumber  int       `json:"run_number"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	Actor      *Account  `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type WorkflowJobRecord struct {
	ID          int64      `json:"id"`
	RunID       int64      `json:"run_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	RunnerName  string     `json:"runner_name"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

type PullRequestFileRecord struct {
	Filename         string `json:"filename"`
	Status           string `json:"status"`
	Additions        int    `json:"additions"`
	Deletions        int    `json:"deletions"`
	PreviousFilename string `json:"previous_filename"`
	Patch            string `json:"patch"`
}
