// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package github

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/reposentry/reposentry/pkg/validation"
)

const defaultBaseURL = "https://api.github.com"

// RESTClient implements Client against the provider's REST API using
// two independently scoped tokens. Credential A is used for all state
// reads and write probes; credential B exists solely so the
// dual-credential detector can compare two independent grants.
//
// # Thread Safety
//
// RESTClient is safe for concurrent use.
type RESTClient struct {
	httpClient *http.Client
	baseURL    string
	org        string
	tokenA     string
	tokenB     string
}

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	// Org is the owning organization, used to qualify bare repo names.
	Org string

	// TokenA and TokenB are the two independently scoped credentials.
	TokenA string
	TokenB string

	// BaseURL overrides the provider endpoint. Used by tests and
	// enterprise installs. Default: https://api.github.com
	BaseURL string

	// Timeout is the per-request timeout. Default: 15s.
	Timeout time.Duration
}

// NewRESTClient creates a RESTClient.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if cfg.Org == "" {
		return nil, fmt.Errorf("org must not be empty")
	}
	if cfg.TokenA == "" {
		return nil, fmt.Errorf("credential A must not be empty")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RESTClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		org:        cfg.Org,
		tokenA:     cfg.TokenA,
		tokenB:     cfg.TokenB,
	}, nil
}

// splitRepo resolves "name" or "owner/name" into owner and name,
// defaulting the owner to the configured organization.
func (c *RESTClient) splitRepo(repo string) (string, string, error) {
	if err := validation.ValidateRepoName(repo); err != nil {
		return "", "", err
	}
	if owner, name, ok := strings.Cut(repo, "/"); ok {
		return owner, name, nil
	}
	return c.org, repo, nil
}

// do performs one authenticated request and decodes the JSON response
// into out (when out is non-nil). Non-2xx responses become *StatusError.
func (c *RESTClient) do(ctx context.Context, token, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, URL: path, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// repoResponse is the subset of the provider's repository object we use.
type repoResponse struct {
	ID            int64  `json:"id"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	Archived      bool   `json:"archived"`
	Disabled      bool   `json:"disabled"`
	CreatedAt     string `json:"created_at"`
	Owner         struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
	} `json:"owner"`
}

// FetchRepoState fetches the live state of a repository.
func (c *RESTClient) FetchRepoState(ctx context.Context, repo string) (*RepoState, error) {
	owner, name, err := c.splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var repoData repoResponse
	if err := c.do(ctx, c.tokenA, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, name), nil, &repoData); err != nil {
		return nil, fmt.Errorf("fetch repo %s: %w", repo, err)
	}

	state := &RepoState{
		Owner:         repoData.Owner.Login,
		DefaultBranch: repoData.DefaultBranch,
		Visibility:    VisibilityPublic,
		Archived:      repoData.Archived,
		Disabled:      repoData.Disabled,
		Admins:        []string{},
	}
	if repoData.Private {
		state.Visibility = VisibilityPrivate
	}

	// Admins come from directly affiliated collaborators.
	var collaborators []struct {
		Login       string `json:"login"`
		Permissions struct {
			Admin bool `json:"admin"`
		} `json:"permissions"`
	}
	path := fmt.Sprintf("/repos/%s/%s/collaborators?affiliation=direct&per_page=100", owner, name)
	if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &collaborators); err == nil {
		for _, co := range collaborators {
			if co.Permissions.Admin {
				state.Admins = append(state.Admins, co.Login)
			}
		}
	}

	// Branch protection on the default branch. A 404 means no rule.
	var protection struct {
		RequiredPullRequestReviews struct {
			RequiredApprovingReviewCount int `json:"required_approving_review_count"`
		} `json:"required_pull_request_reviews"`
		RequiredStatusChecks struct {
			Contexts []string `json:"contexts"`
		} `json:"required_status_checks"`
		EnforceAdmins struct {
			Enabled bool `json:"enabled"`
		} `json:"enforce_admins"`
		AllowForcePushes struct {
			Enabled bool `json:"enabled"`
		} `json:"allow_force_pushes"`
		AllowDeletions struct {
			Enabled bool `json:"enabled"`
		} `json:"allow_deletions"`
	}
	path = fmt.Sprintf("/repos/%s/%s/branches/%s/protection", owner, name, repoData.DefaultBranch)
	if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &protection); err == nil {
		state.BranchProtection = append(state.BranchProtection, BranchProtectionRule{
			Branch:               repoData.DefaultBranch,
			RequiredReviewers:    protection.RequiredPullRequestReviews.RequiredApprovingReviewCount,
			RequiredStatusChecks: protection.RequiredStatusChecks.Contexts,
			EnforceAdmins:        protection.EnforceAdmins.Enabled,
			AllowForcePush:       protection.AllowForcePushes.Enabled,
			AllowDeletions:       protection.AllowDeletions.Enabled,
		})
	}

	// Webhooks. Missing admin scope just yields an empty list.
	var hooks []struct {
		ID     int64    `json:"id"`
		Events []string `json:"events"`
		Active bool     `json:"active"`
		Config struct {
			URL string `json:"url"`
		} `json:"config"`
	}
	path = fmt.Sprintf("/repos/%s/%s/hooks", owner, name)
	if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &hooks); err == nil {
		for _, h := range hooks {
			state.Webhooks = append(state.Webhooks, Webhook{
				ID:     h.ID,
				URL:    h.Config.URL,
				Events: h.Events,
				Active: h.Active,
			})
		}
	}

	return state, nil
}

// FetchFingerprint fetches the repository's immutable identity.
func (c *RESTClient) FetchFingerprint(ctx context.Context, repo string) (*Fingerprint, error) {
	owner, name, err := c.splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var repoData repoResponse
	if err := c.do(ctx, c.tokenA, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, name), nil, &repoData); err != nil {
		return nil, fmt.Errorf("fetch repo %s: %w", repo, err)
	}

	createdAt, _ := time.Parse(time.RFC3339, repoData.CreatedAt)
	fp := &Fingerprint{
		RepoID:     repoData.ID,
		CreatedAt:  createdAt,
		OwnerOrgID: repoData.Owner.ID,
	}

	// Head of the default branch.
	var branch struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	path := fmt.Sprintf("/repos/%s/%s/branches/%s", owner, name, repoData.DefaultBranch)
	if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &branch); err == nil {
		fp.DefaultBranchSHA = branch.Commit.SHA
	}

	// Root commit: walk to the last page of the single-commit listing.
	var commits []struct {
		SHA     string `json:"sha"`
		Parents []struct {
			SHA string `json:"sha"`
		} `json:"parents"`
	}
	path = fmt.Sprintf("/repos/%s/%s/commits?per_page=100", owner, name)
	if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &commits); err == nil && len(commits) > 0 {
		oldest := commits[len(commits)-1]
		if len(oldest.Parents) == 0 {
			fp.RootCommitSHA = oldest.SHA
		}
	}

	return fp, nil
}

// contentResponse is the provider's file-content object.
type contentResponse struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	SHA     string `json:"sha"`
	Content string `json:"content"`
}

// FetchSubmodules fetches and parses the repository's .gitmodules file.
// A repository without submodules returns an empty slice.
func (c *RESTClient) FetchSubmodules(ctx context.Context, repo string) ([]Submodule, error) {
	owner, name, err := c.splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var content contentResponse
	path := fmt.Sprintf("/repos/%s/%s/contents/.gitmodules", owner, name)
	if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &content); err != nil {
		if StatusCode(err) == 404 {
			return []Submodule{}, nil
		}
		return nil, fmt.Errorf("fetch .gitmodules for %s: %w", repo, err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode .gitmodules for %s: %w", repo, err)
	}

	submodules := parseGitmodules(string(raw))

	// Resolve each pinned commit via the contents API.
	for i := range submodules {
		var entry contentResponse
		path := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, name, submodules[i].Path)
		if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &entry); err == nil && entry.Type == "submodule" {
			submodules[i].CommitSHA = entry.SHA
		}
	}

	return submodules, nil
}

var gitmodulesSection = regexp.MustCompile(`^\[submodule\s+"(.+)"\]$`)

// parseGitmodules parses .gitmodules content into submodule entries.
func parseGitmodules(content string) []Submodule {
	var (
		submodules []Submodule
		current    *Submodule
	)
	flush := func() {
		if current != nil && current.Path != "" {
			submodules = append(submodules, *current)
		}
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if gitmodulesSection.MatchString(line) {
			flush()
			current = &Submodule{}
			continue
		}
		if current == nil {
			continue
		}
		if key, value, ok := strings.Cut(line, "="); ok {
			switch strings.TrimSpace(key) {
			case "path":
				current.Path = strings.TrimSpace(value)
			case "url":
				current.RemoteURL = strings.TrimSpace(value)
			}
		}
	}
	flush()
	return submodules
}

// FetchWorkflows lists CI workflow files with their content hashes.
// A repository without workflows returns an empty slice.
func (c *RESTClient) FetchWorkflows(ctx context.Context, repo string) ([]Workflow, error) {
	owner, name, err := c.splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var listing []contentResponse
	path := fmt.Sprintf("/repos/%s/%s/contents/.github/workflows", owner, name)
	if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &listing); err != nil {
		if StatusCode(err) == 404 {
			return []Workflow{}, nil
		}
		return nil, fmt.Errorf("list workflows for %s: %w", repo, err)
	}

	workflows := []Workflow{}
	for _, item := range listing {
		if item.Type != "file" {
			continue
		}
		if !strings.HasSuffix(item.Name, ".yml") && !strings.HasSuffix(item.Name, ".yaml") {
			continue
		}
		var file contentResponse
		filePath := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, name, item.Path)
		if err := c.do(ctx, c.tokenA, http.MethodGet, filePath, nil, &file); err != nil {
			continue // unreadable workflow files are skipped, not fatal
		}
		raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
		if err != nil {
			continue
		}
		sum := sha256.Sum256(raw)
		workflows = append(workflows, Workflow{
			Path:        item.Path,
			ContentHash: hex.EncodeToString(sum[:]),
		})
	}

	return workflows, nil
}

// CheckAccess probes a repository with the selected credential.
func (c *RESTClient) CheckAccess(ctx context.Context, repo string, cred Credential) (*AccessResult, error) {
	owner, name, err := c.splitRepo(repo)
	if err != nil {
		return nil, err
	}

	token := c.tokenA
	if cred == CredentialB {
		token = c.tokenB
	}
	if token == "" {
		return nil, fmt.Errorf("credential %s not configured", cred)
	}

	var repoData repoResponse
	if err := c.do(ctx, token, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, name), nil, &repoData); err != nil {
		if code := StatusCode(err); code != 0 {
			// The provider answered: this credential has no access.
			return &AccessResult{StatusCode: code, Err: err}, nil
		}
		return nil, fmt.Errorf("probe %s with credential %s: %w", repo, cred, err)
	}

	result := &AccessResult{HasAccess: true, ReadAccess: true}

	// Branch protection reads require admin scope; use it as the
	// admin probe.
	path := fmt.Sprintf("/repos/%s/%s/branches/%s/protection", owner, name, repoData.DefaultBranch)
	if err := c.do(ctx, token, http.MethodGet, path, nil, &struct{}{}); err == nil || StatusCode(err) == 404 {
		result.AdminAccess = err == nil
	}

	// Being able to see the branch head is the cheapest write-scope
	// signal available without mutating anything.
	path = fmt.Sprintf("/repos/%s/%s/branches/%s", owner, name, repoData.DefaultBranch)
	if err := c.do(ctx, token, http.MethodGet, path, nil, &struct{}{}); err == nil {
		result.WriteAccess = true
	}

	return result, nil
}

// CreateBranch creates a branch at the head of the default branch.
func (c *RESTClient) CreateBranch(ctx context.Context, repo, branch string) error {
	owner, name, err := c.splitRepo(repo)
	if err != nil {
		return err
	}

	var repoData repoResponse
	if err := c.do(ctx, c.tokenA, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, name), nil, &repoData); err != nil {
		return fmt.Errorf("fetch repo %s: %w", repo, err)
	}

	var head struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	path := fmt.Sprintf("/repos/%s/%s/branches/%s", owner, name, repoData.DefaultBranch)
	if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &head); err != nil {
		return fmt.Errorf("resolve default branch head for %s: %w", repo, err)
	}

	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": head.Commit.SHA,
	}
	path = fmt.Sprintf("/repos/%s/%s/git/refs", owner, name)
	if err := c.do(ctx, c.tokenA, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("create branch %s on %s: %w", branch, repo, err)
	}
	return nil
}

// DeleteBranch deletes a branch.
func (c *RESTClient) DeleteBranch(ctx context.Context, repo, branch string) error {
	owner, name, err := c.splitRepo(repo)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, name, branch)
	if err := c.do(ctx, c.tokenA, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete branch %s on %s: %w", branch, repo, err)
	}
	return nil
}

// DeleteRepository permanently deletes a repository.
func (c *RESTClient) DeleteRepository(ctx context.Context, repo string) error {
	owner, name, err := c.splitRepo(repo)
	if err != nil {
		return err
	}
	if err := c.do(ctx, c.tokenA, http.MethodDelete, fmt.Sprintf("/repos/%s/%s", owner, name), nil, nil); err != nil {
		return fmt.Errorf("delete repository %s: %w", repo, err)
	}
	return nil
}

// FetchAuditFeed returns organization activity events at or after the
// given time. The full audit-log API needs an enterprise plan, so the
// public org events feed serves as the activity source.
func (c *RESTClient) FetchAuditFeed(ctx context.Context, since time.Time) ([]AuditEvent, error) {
	var raw []struct {
		Type      string `json:"type"`
		CreatedAt string `json:"created_at"`
		Actor     struct {
			Login string `json:"login"`
		} `json:"actor"`
		Repo struct {
			Name string `json:"name"`
		} `json:"repo"`
		Payload map[string]any `json:"payload"`
	}
	path := fmt.Sprintf("/orgs/%s/events?per_page=100", c.org)
	if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch audit feed: %w", err)
	}

	events := []AuditEvent{}
	for _, e := range raw {
		ts, err := time.Parse(time.RFC3339, e.CreatedAt)
		if err != nil || ts.Before(since) {
			continue
		}
		action, _ := e.Payload["action"].(string)
		events = append(events, AuditEvent{
			Type:      e.Type,
			Action:    action,
			Timestamp: ts,
			Actor:     e.Actor.Login,
			Repo:      e.Repo.Name,
			Payload:   e.Payload,
		})
	}
	return events, nil
}

// ListOrgRepos lists organization repositories whose name matches the
// given regular expression pattern.
func (c *RESTClient) ListOrgRepos(ctx context.Context, pattern string) ([]string, error) {
	if err := validation.ValidateRepoPattern(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}

	var matches []string
	for page := 1; ; page++ {
		var raw []struct {
			Name string `json:"name"`
		}
		path := fmt.Sprintf("/orgs/%s/repos?per_page=100&page=%d", c.org, page)
		if err := c.do(ctx, c.tokenA, http.MethodGet, path, nil, &raw); err != nil {
			return nil, fmt.Errorf("list org repos: %w", err)
		}
		if len(raw) == 0 {
			break
		}
		for _, r := range raw {
			if re.MatchString(r.Name) {
				matches = append(matches, r.Name)
			}
		}
		if len(raw) < 100 {
			break
		}
	}
	return matches, nil
}
