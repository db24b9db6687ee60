package repohost

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/bridge/internal/domain"
	"github.com/xiaot623/gogo/bridge/internal/patch"
)

// DefaultPRBody is used when the commit message has no body.
const DefaultPRBody = "Created from an agent session patch."

// PublishRequest describes a patch to publish as a branch or pull request.
type PublishRequest struct {
	Owner         string
	Repo          string
	Patch         string
	CommitMessage string
	Base          string
	// BaseCommitID pins the parent commit; the head of Base is used when empty.
	BaseCommitID string
	BranchOnly   bool
}

// ParseSource splits "sources/github/owner/repo" into owner and repo.
func ParseSource(source string) (owner, repo string, err error) {
	parts := strings.Split(strings.Trim(source, "/"), "/")
	if len(parts) == 4 && parts[0] == "sources" && parts[1] == "github" && parts[2] != "" && parts[3] != "" {
		return parts[2], parts[3], nil
	}
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[0], parts[1], nil
	}
	return "", "", fmt.Errorf("invalid source %q: expected sources/github/owner/repo", source)
}

// BranchURL is the web URL of a branch.
func (c *Client) BranchURL(owner, repo, branch string) string {
	return fmt.Sprintf("%s/%s/%s/tree/%s", c.webURL, owner, repo, branch)
}

// PublishPatch commits the patch on a new branch and, unless BranchOnly is
// set, opens a pull request from it.
func (c *Client) PublishPatch(ctx context.Context, req PublishRequest) (*domain.PublishResult, error) {
	if req.Base == "" {
		req.Base = "main"
	}
	if req.CommitMessage == "" {
		req.CommitMessage = "Apply agent changes"
	}

	files, err := patch.Parse(req.Patch)
	if err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}

	baseSHA := req.BaseCommitID
	if baseSHA == "" {
		if baseSHA, err = c.branchHead(ctx, req.Owner, req.Repo, req.Base); err != nil {
			return nil, err
		}
	}
	baseTree, err := c.commitTree(ctx, req.Owner, req.Repo, baseSHA)
	if err != nil {
		return nil, err
	}

	entries := make([]treeEntry, 0, len(files))
	for i := range files {
		f := &files[i]
		entry := treeEntry{Path: f.Path(), Mode: "100644", Type: "blob"}
		if f.IsDeleted {
			entries = append(entries, entry)
			continue
		}

		content, err := c.patchedContent(ctx, req, baseSHA, f)
		if err != nil {
			return nil, err
		}
		sha, err := c.createBlob(ctx, req.Owner, req.Repo, content)
		if err != nil {
			return nil, err
		}
		entry.SHA = &sha
		entries = append(entries, entry)
		if f.OldPath != "" && f.NewPath != "" && f.OldPath != f.NewPath {
			entries = append(entries, treeEntry{Path: f.OldPath, Mode: "100644", Type: "blob"})
		}
	}

	treeSHA, err := c.createTree(ctx, req.Owner, req.Repo, baseTree, entries)
	if err != nil {
		return nil, err
	}
	commitSHA, err := c.createCommit(ctx, req.Owner, req.Repo, req.CommitMessage, treeSHA, baseSHA)
	if err != nil {
		return nil, err
	}

	branch := "jules-patch-" + c.now().Format("20060102-150405")
	if err := c.createRef(ctx, req.Owner, req.Repo, branch, commitSHA); err != nil {
		return nil, err
	}

	title, body := splitCommitMessage(req.CommitMessage)
	if req.BranchOnly {
		return &domain.PublishResult{
			Kind:   domain.PublishBranchCreated,
			URL:    c.BranchURL(req.Owner, req.Repo, branch),
			Branch: branch,
			Title:  title,
		}, nil
	}
	return c.OpenPullRequest(ctx, req.Owner, req.Repo, branch, req.Base, title, body)
}

// OpenPullRequest opens a pull request from head into base.
func (c *Client) OpenPullRequest(ctx context.Context, owner, repo, head, base, title, body string) (*domain.PublishResult, error) {
	if body == "" {
		body = DefaultPRBody
	}
	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	in := map[string]string{"title": title, "head": head, "base": base, "body": body}
	if err := c.post(ctx, fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), in, &pr); err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return &domain.PublishResult{
		Kind:   domain.PublishPRCreated,
		URL:    pr.HTMLURL,
		Number: pr.Number,
		Branch: head,
		Title:  title,
	}, nil
}

// patchedContent returns the post-patch content of a new or modified file.
// A modified file missing at the base commit is treated as new.
func (c *Client) patchedContent(ctx context.Context, req PublishRequest, baseSHA string, f *patch.FileDiff) (string, error) {
	if f.IsNew {
		return f.Content(), nil
	}
	original, err := c.fileAt(ctx, req.Owner, req.Repo, f.OldPath, baseSHA)
	if err != nil {
		if IsNotFound(err) {
			return f.Content(), nil
		}
		return "", fmt.Errorf("fetch %s: %w", f.OldPath, err)
	}
	content, err := f.Apply(original)
	if err != nil {
		return "", fmt.Errorf("apply patch: %w", err)
	}
	return content, nil
}

func splitCommitMessage(msg string) (title, body string) {
	msg = strings.TrimSpace(msg)
	title, body, _ = strings.Cut(msg, "\n")
	return strings.TrimSpace(title), strings.TrimSpace(body)
}

// ErrNotConfigured is returned when no GitHub token is available.
var ErrNotConfigured = errors.New("github token not configured")
