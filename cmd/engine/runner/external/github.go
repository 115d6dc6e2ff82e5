package external

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lyzr/conductor/common/errs"
)

const githubAPIBase = "https://api.github.com"

// GithubProvider reaches the GitHub REST API
type GithubProvider struct {
	baseURL string
}

// NewGithubProvider creates the GitHub provider
func NewGithubProvider() *GithubProvider {
	return &GithubProvider{baseURL: githubAPIBase}
}

func (p *GithubProvider) CredentialName() string { return "github" }

func (p *GithubProvider) headers(token string) map[string]string {
	return map[string]string{
		"Authorization":        "Bearer " + token,
		"X-GitHub-Api-Version": "2022-11-28",
	}
}

func (p *GithubProvider) Call(ctx context.Context, token, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	switch operation {
	case "create_issue":
		repo, err := requireString(params, "repository")
		if err != nil {
			return nil, err
		}
		title, err := requireString(params, "title")
		if err != nil {
			return nil, err
		}
		body := map[string]interface{}{"title": title}
		if text, ok := params["body"].(string); ok && text != "" {
			body["body"] = text
		}
		if labels, ok := params["labels"].([]interface{}); ok {
			body["labels"] = labels
		}
		return doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/repos/%s/issues", p.baseURL, repo), p.headers(token), body)

	case "create_comment":
		repo, err := requireString(params, "repository")
		if err != nil {
			return nil, err
		}
		number, err := requireString(params, "issue_number")
		if err != nil {
			return nil, err
		}
		text, err := requireString(params, "body")
		if err != nil {
			return nil, err
		}
		return doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/repos/%s/issues/%s/comments", p.baseURL, repo, number), p.headers(token), map[string]interface{}{"body": text})

	case "get_repo":
		repo, err := requireString(params, "repository")
		if err != nil {
			return nil, err
		}
		return doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s", p.baseURL, repo), p.headers(token), nil)

	case "list_issues":
		repo, err := requireString(params, "repository")
		if err != nil {
			return nil, err
		}
		query := url.Values{}
		if state, ok := params["state"].(string); ok && state != "" {
			query.Set("state", state)
		}
		endpoint := fmt.Sprintf("%s/repos/%s/issues", p.baseURL, repo)
		if encoded := query.Encode(); encoded != "" {
			endpoint += "?" + encoded
		}
		return doJSON(ctx, http.MethodGet, endpoint, p.headers(token), nil)

	default:
		return nil, errs.Newf(errs.KindValidation, "unknown github operation %q", operation)
	}
}
