package external

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lyzr/conductor/common/errs"
)

const (
	notionAPIBase = "https://api.notion.com/v1"
	notionVersion = "2022-06-28"
)

// NotionProvider reaches the Notion REST API. It is the one provider the
// AI-directed planner is wired to.
type NotionProvider struct {
	baseURL string
}

// NewNotionProvider creates the Notion provider
func NewNotionProvider() *NotionProvider {
	return &NotionProvider{baseURL: notionAPIBase}
}

func (p *NotionProvider) CredentialName() string { return "notion" }

func (p *NotionProvider) headers(token string) map[string]string {
	return map[string]string{
		"Authorization":  "Bearer " + token,
		"Notion-Version": notionVersion,
	}
}

func (p *NotionProvider) Call(ctx context.Context, token, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	switch operation {
	case "search":
		body := map[string]interface{}{}
		if q, ok := params["query"].(string); ok && q != "" {
			body["query"] = q
		}
		return doJSON(ctx, http.MethodPost, p.baseURL+"/search", p.headers(token), body)

	case "query_database":
		databaseID, err := requireString(params, "database_id")
		if err != nil {
			return nil, err
		}
		body := map[string]interface{}{}
		if filter, ok := params["filter"].(map[string]interface{}); ok {
			body["filter"] = filter
		}
		return doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/databases/%s/query", p.baseURL, databaseID), p.headers(token), body)

	case "create_page":
		parent, ok := params["parent"].(map[string]interface{})
		if !ok {
			return nil, errs.New(errs.KindValidation, "create_page requires parent")
		}
		properties, ok := params["properties"].(map[string]interface{})
		if !ok {
			return nil, errs.New(errs.KindValidation, "create_page requires properties")
		}
		body := map[string]interface{}{
			"parent":     parent,
			"properties": properties,
		}
		if children, ok := params["children"].([]interface{}); ok {
			body["children"] = children
		}
		return doJSON(ctx, http.MethodPost, p.baseURL+"/pages", p.headers(token), body)

	case "get_page":
		pageID, err := requireString(params, "page_id")
		if err != nil {
			return nil, err
		}
		return doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/pages/%s", p.baseURL, pageID), p.headers(token), nil)

	default:
		return nil, errs.Newf(errs.KindValidation, "unknown notion operation %q", operation)
	}
}
