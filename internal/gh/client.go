// internal/gh/client.go
package gh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
)

// PerPage is the page size requested from every listing endpoint. Pagination
// is exhausted exactly when a page returns fewer raw elements than this.
const PerPage = 100

// Client is a wrapper around the go-github client that fetches one listing
// page at a time and decodes it leniently: each array element is validated
// independently, and a malformed element is reported as Skipped instead of
// failing the page. Only transport-level failures are returned as errors.
type Client struct {
	gh      *github.Client
	limiter *Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a Client authenticated with the given credential. The
// timeout bounds each page request; zero disables it. Resolve the credential
// first (see TokenResolver); the client itself is stateless apart from the
// shared rate limiter.
func NewClient(cred Credential, timeout time.Duration, logger *slog.Logger) *Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: cred.Token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	return &Client{
		gh:      github.NewClient(tc),
		limiter: NewLimiter(),
		timeout: timeout,
		logger:  logger,
	}
}

// decodeElements validates raw array elements one by one. It never fails the
// whole page: elements that do not unmarshal or do not pass validation are
// returned in the skipped list with their original index.
func decodeElements[T any](raw []json.RawMessage, validate func(*T) error) ([]T, []Skipped) {
	items := make([]T, 0, len(raw))
	var skipped []Skipped
	for i, elem := range raw {
		var rec T
		if err := json.Unmarshal(elem, &rec); err != nil {
			skipped = append(skipped, Skipped{Index: i, Raw: elem, Reason: err.Error()})
			continue
		}
		if err := validate(&rec); err != nil {
			skipped = append(skipped, Skipped{Index: i, Raw: elem, Reason: err.Error()})
			continue
		}
		items = append(items, rec)
	}
	return items, skipped
}

// listPage fetches one page of a bare-array listing endpoint.
func listPage[T any](ctx context.Context, c *Client, path string, page int, validate func(*T) error) ([]T, []Skipped, error) {
	raw, err := c.getRawArray(ctx, path, page, nil)
	if err != nil {
		return nil, nil, err
	}
	items, skipped := decodeElements(raw, validate)
	return items, skipped, nil
}

// getRawArray performs the page request. When unwrap is non-nil the response
// body is an object and unwrap extracts the element array from it.
func (c *Client) getRawArray(ctx context.Context, path string, page int, unwrap func([]byte) ([]json.RawMessage, error)) ([]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := fmt.Sprintf("%s%cpage=%d&per_page=%d", path, querySep(path), page, PerPage)
	c.logger.Debug("fetching page", "path", path, "page", page)

	req, err := c.gh.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var body json.RawMessage
	if _, err := c.gh.Do(ctx, req, &body); err != nil {
		return nil, err
	}

	if unwrap != nil {
		return unwrap(body)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding page body: %w", err)
	}
	return raw, nil
}

func querySep(path string) byte {
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			return '&'
		}
	}
	return '?'
}

func unwrapArray(key string) func([]byte) ([]json.RawMessage, error) {
	return func(body []byte) ([]json.RawMessage, error) {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("decoding page body: %w", err)
		}
		inner, ok := wrapper[key]
		if !ok {
			return nil, fmt.Errorf("page body missing %q array", key)
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(inner, &raw); err != nil {
			return nil, fmt.Errorf("decoding %q array: %w", key, err)
		}
		return raw, nil
	}
}

// ListBranches fetches one page of a repository's branch listing.
func (c *Client) ListBranches(ctx context.Context, owner, name string, page int) ([]BranchRecord, []Skipped, error) {
	path := fmt.Sprintf("repos/%s/%s/branches", owner, name)
	return listPage(ctx, c, path, page, func(b *BranchRecord) error {
		if b.Name == "" {
			return errors.New("branch missing name")
		}
		if b.Commit.Sha == "" {
			return errors.New("branch missing head sha")
		}
		return nil
	})
}

// ListPullRequests fetches one page of pull requests, all states, most
// recently updated first.
func (c *Client) ListPullRequests(ctx context.Context, owner, name string, page int) ([]PullRequestRecord, []Skipped, error) {
	path := fmt.Sprintf("repos/%s/%s/pulls?state=all&sort=updated&direction=desc", owner, name)
	return listPage(ctx, c, path, page, func(pr *PullRequestRecord) error {
		if pr.ID == 0 {
			return errors.New("pull request missing id")
		}
		if pr.Number == 0 {
			return errors.New("pull request missing number")
		}
		if pr.Head.Sha == "" {
			return errors.New("pull request missing head sha")
		}
		return nil
	})
}

// ListIssues fetches one page of issues, all states. The listing includes
// the issue shadows of pull requests; callers filter those out.
func (c *Client) ListIssues(ctx context.Context, owner, name string, page int) ([]IssueRecord, []Skipped, error) {
	path := fmt.Sprintf("repos/%s/%s/issues?state=all&sort=updated&direction=desc", owner, name)
	return listPage(ctx, c, path, page, func(is *IssueRecord) error {
		if is.ID == 0 {
			return errors.New("issue missing id")
		}
		if is.Number == 0 {
			return errors.New("issue missing number")
		}
		return nil
	})
}

// ListCommits fetches one page of the commit listing. A 409 response means
// the repository has no commits yet; that is reported as zero items, not as
// an error.
func (c *Client) ListCommits(ctx context.Context, owner, name string, page int) ([]CommitRecord, []Skipped, error) {
	path := fmt.Sprintf("repos/%s/%s/commits", owner, name)
	items, skipped, err := listPage(ctx, c, path, page, func(cm *CommitRecord) error {
		if cm.Sha == "" {
			return errors.New("commit missing sha")
		}
		return nil
	})
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusConflict {
			c.logger.Debug("repository is empty", "owner", owner, "repo", name)
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return items, skipped, nil
}

// ListCheckRuns fetches one page of check runs for a head SHA. The endpoint
// wraps the array in a check_runs field.
func (c *Client) ListCheckRuns(ctx context.Context, owner, name, headSha string, page int) ([]CheckRunRecord, []Skipped, error) {
	path := fmt.Sprintf("repos/%s/%s/commits/%s/check-runs", owner, name, headSha)
	raw, err := c.getRawArray(ctx, path, page, unwrapArray("check_runs"))
	if err != nil {
		return nil, nil, err
	}
	items, skipped := decodeElements(raw, func(cr *CheckRunRecord) error {
		if cr.ID == 0 {
			return errors.New("check run missing id")
		}
		if cr.HeadSha == "" {
			return errors.New("check run missing head sha")
		}
		return nil
	})
	return items, skipped, nil
}

// ListWorkflowRuns fetches one page of workflow runs for the repository.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, name string, page int) ([]WorkflowRunRecord, []Skipped, error) {
	path := fmt.Sprintf("repos/%s/%s/actions/runs", owner, name)
	raw, err := c.getRawArray(ctx, path, page, unwrapArray("workflow_runs"))
	if err != nil {
		return nil, nil, err
	}
	items, skipped := decodeElements(raw, func(wr *WorkflowRunRecord) error {
		if wr.ID == 0 {
			return errors.New("workflow run missing id")
		}
		return nil
	})
	return items, skipped, nil
}

// ListWorkflowJobs fetches one page of the jobs of a workflow run.
func (c *Client) ListWorkflowJobs(ctx context.Context, owner, name string, runID int64, page int) ([]WorkflowJobRecord, []Skipped, error) {
	path := fmt.Sprintf("repos/%s/%s/actions/runs/%d/jobs", owner, name, runID)
	raw, err := c.getRawArray(ctx, path, page, unwrapArray("jobs"))
	if err != nil {
		return nil, nil, err
	}
	items, skipped := decodeElements(raw, func(j *WorkflowJobRecord) error {
		if j.ID == 0 {
			return errors.New("workflow job missing id")
		}
		return nil
	})
	return items, skipped, nil
}

// ListPullRequestFiles fetches one page of a pull request's per-file diff
// listing.
func (c *Client) ListPullRequestFiles(ctx context.Context, owner, name string, number, page int) ([]PullRequestFileRecord, []Skipped, error) {
	path := fmt.Sprintf("repos/%s/%s/pulls/%d/files", owner, name, number)
	return listPage(ctx, c, path, page, func(f *PullRequestFileRecord) error {
		if f.Filename == "" {
			return errors.New("file entry missing filename")
		}
		return nil
	})
}
