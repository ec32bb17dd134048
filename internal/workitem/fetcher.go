// Package workitem reads work items from the issue tracker and decides
// which workflow they ask for.
package workitem

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// CommandRunner runs an external command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(ee.Stderr)))
	}
	return out, err
}

// Fetcher handles fetching and commenting on GitHub issues via gh CLI.
type Fetcher struct {
	repo string
	run  CommandRunner
}

// NewFetcher creates a Fetcher for repo ("owner/name"). An empty repo lets
// gh pick the repository of the current directory.
func NewFetcher(repo string) *Fetcher {
	return &Fetcher{repo: repo, run: execRunner}
}

// WithRunner replaces the command runner, mostly for tests
func (f *Fetcher) WithRunner(run CommandRunner) *Fetcher {
	f.run = run
	return f
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (gh ghIssue) workItem() domain.WorkItem {
	labels := make([]string, len(gh.Labels))
	for i, l := range gh.Labels {
		labels[i] = l.Name
	}
	return domain.WorkItem{
		ID:     strconv.Itoa(gh.Number),
		Title:  gh.Title,
		Body:   gh.Body,
		Labels: labels,
	}
}

func parseIssueFromJSON(data []byte) (domain.WorkItem, error) {
	var gh ghIssue
	if err := json.Unmarshal(data, &gh); err != nil {
		return domain.WorkItem{}, err
	}
	return gh.workItem(), nil
}

func (f *Fetcher) repoArgs(args ...string) []string {
	if f.repo != "" {
		args = append(args, "--repo", f.repo)
	}
	return args
}

// Fetch returns one issue
func (f *Fetcher) Fetch(ctx context.Context, id string) (domain.WorkItem, error) {
	// gh issue view 42 --repo owner/repo --json number,title,body,labels
	out, err := f.run(ctx, "gh", f.repoArgs("issue", "view", id, "--json", "number,title,body,labels")...)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("gh issue view %s: %w", id, err)
	}
	item, err := parseIssueFromJSON(out)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("parse gh output: %w", err)
	}
	return item, nil
}

// FetchCandidates returns open issues carrying label
func (f *Fetcher) FetchCandidates(ctx context.Context, label string, limit int) ([]domain.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	args := f.repoArgs("issue", "list",
		"--state", "open",
		"--json", "number,title,body,labels",
		"--limit", strconv.Itoa(limit))
	if label != "" {
		args = append(args, "--label", label)
	}

	out, err := f.run(ctx, "gh", args...)
	if err != nil {
		return nil, fmt.Errorf("gh issue list: %w", err)
	}

	var ghIssues []ghIssue
	if err := json.Unmarshal(out, &ghIssues); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	items := make([]domain.WorkItem, 0, len(ghIssues))
	for _, gh := range ghIssues {
		items = append(items, gh.workItem())
	}
	return items, nil
}

// Comment posts a comment on an issue
func (f *Fetcher) Comment(ctx context.Context, id, body string) error {
	if _, err := f.run(ctx, "gh", f.repoArgs("issue", "comment", id, "--body", body)...); err != nil {
		return fmt.Errorf("gh issue comment %s: %w", id, err)
	}
	return nil
}

// UpdateLabels adds and removes labels on an issue
func (f *Fetcher) UpdateLabels(ctx context.Context, id string, add, remove []string) error {
	args := f.repoArgs("issue", "edit", id)
	for _, l := range add {
		args = append(args, "--add-label", l)
	}
	for _, l := range remove {
		args = append(args, "--remove-label", l)
	}
	if _, err := f.run(ctx, "gh", args...); err != nil {
		return fmt.Errorf("gh issue edit %s: %w", id, err)
	}
	return nil
}

// HasLabel reports whether item carries label
func HasLabel(item domain.WorkItem, label string) bool {
	for _, l := range item.Labels {
		if l == label {
			return true
		}
	}
	return false
}
