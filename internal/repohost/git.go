package repohost

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// Branch is a repository branch.
type Branch struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
}

// ListBranches returns up to 100 branches of owner/repo.
func (c *Client) ListBranches(ctx context.Context, owner, repo string) ([]Branch, error) {
	var branches []Branch
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/branches?per_page=100", owner, repo), &branches); err != nil {
		return nil, err
	}
	return branches, nil
}

type gitObject struct {
	SHA string `json:"sha"`
}

type gitRef struct {
	Ref    string    `json:"ref"`
	Object gitObject `json:"object"`
}

type gitCommit struct {
	SHA  string    `json:"sha"`
	Tree gitObject `json:"tree"`
}

// treeEntry is one tree change. A nil SHA deletes the path.
type treeEntry struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
}

type fileContent struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (c *Client) branchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	var ref gitRef
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, repo, branch), &ref); err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return ref.Object.SHA, nil
}

func (c *Client) commitTree(ctx context.Context, owner, repo, sha string) (string, error) {
	var commit gitCommit
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/git/commits/%s", owner, repo, sha), &commit); err != nil {
		return "", fmt.Errorf("get commit %s: %w", sha, err)
	}
	return commit.Tree.SHA, nil
}

func (c *Client) fileAt(ctx context.Context, owner, repo, path, ref string) (string, error) {
	var content fileContent
	escaped := (&url.URL{Path: path}).EscapedPath()
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, escaped, url.QueryEscape(ref)), &content); err != nil {
		return "", err
	}
	if content.Encoding != "" && content.Encoding != "base64" {
		return content.Content, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return string(data), nil
}

func (c *Client) createBlob(ctx context.Context, owner, repo, content string) (string, error) {
	var blob gitObject
	body := map[string]string{"content": content, "encoding": "utf-8"}
	if err := c.post(ctx, fmt.Sprintf("/repos/%s/%s/git/blobs", owner, repo), body, &blob); err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	return blob.SHA, nil
}

func (c *Client) createTree(ctx context.Context, owner, repo, baseTree string, entries []treeEntry) (string, error) {
	var tree gitObject
	body := map[string]interface{}{"base_tree": baseTree, "tree": entries}
	if err := c.post(ctx, fmt.Sprintf("/repos/%s/%s/git/trees", owner, repo), body, &tree); err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}
	return tree.SHA, nil
}

func (c *Client) createCommit(ctx context.Context, owner, repo, message, tree, parent string) (string, error) {
	var commit gitObject
	body := map[string]interface{}{"message": message, "tree": tree, "parents": []string{parent}}
	if err := c.post(ctx, fmt.Sprintf("/repos/%s/%s/git/commits", owner, repo), body, &commit); err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}
	return commit.SHA, nil
}

func (c *Client) createRef(ctx context.Context, owner, repo, branch, sha string) error {
	body := map[string]string{"ref": "refs/heads/" + branch, "sha": sha}
	if err := c.post(ctx, fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo), body, nil); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}
