package repohost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Repository is a repository owned by or visible to the token's user.
type Repository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Owner         string `json:"owner"`
	Description   string `json:"description,omitempty"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url,omitempty"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// CreateRepositoryRequest describes a repository to create for the user.
type CreateRepositoryRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
	AutoInit    bool   `json:"auto_init"`
}

type apiRepository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (r apiRepository) repository() Repository {
	return Repository{
		Name:          r.Name,
		FullName:      r.FullName,
		Owner:         r.Owner.Login,
		Description:   r.Description,
		HTMLURL:       r.HTMLURL,
		CloneURL:      r.CloneURL,
		Private:       r.Private,
		DefaultBranch: r.DefaultBranch,
	}
}

// CreateRepository creates a repository for the authenticated user. New
// repositories get an initial commit so agent sessions have a branch to
// start from.
func (c *Client) CreateRepository(ctx context.Context, req CreateRepositoryRequest) (*Repository, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, errors.New("repository name is required")
	}
	req.AutoInit = true

	var created apiRepository
	if err := c.post(ctx, "/user/repos", req, &created); err != nil {
		return nil, err
	}
	repo := created.repository()
	return &repo, nil
}

// ListRepositories returns up to perPage of the user's repositories, most
// recently updated first.
func (c *Client) ListRepositories(ctx context.Context, perPage int) ([]Repository, error) {
	if perPage <= 0 || perPage > 100 {
		perPage = 50
	}
	var listed []apiRepository
	if err := c.get(ctx, fmt.Sprintf("/user/repos?per_page=%d&sort=updated", perPage), &listed); err != nil {
		return nil, err
	}
	repos := make([]Repository, 0, len(listed))
	for _, r := range listed {
		repos = append(repos, r.repository())
	}
	return repos, nil
}

// DeleteRepository deletes owner/repo. The token needs the delete_repo scope.
func (c *Client) DeleteRepository(ctx context.Context, owner, repo string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/%s", owner, repo), nil, nil)
}
