package external

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lyzr/conductor/common/errs"
)

const calendarAPIBase = "https://www.googleapis.com/calendar/v3"

// CalendarProvider reaches the Google Calendar REST API
type CalendarProvider struct {
	baseURL string
}

// NewCalendarProvider creates the Google Calendar provider
func NewCalendarProvider() *CalendarProvider {
	return &CalendarProvider{baseURL: calendarAPIBase}
}

func (p *CalendarProvider) CredentialName() string { return "google_calendar" }

func (p *CalendarProvider) headers(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (p *CalendarProvider) Call(ctx context.Context, token, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	calendarID := "primary"
	if id, ok := params["calendar_id"].(string); ok && id != "" {
		calendarID = id
	}

	switch operation {
	case "create_event":
		summary, err := requireString(params, "summary")
		if err != nil {
			return nil, err
		}
		start, err := requireString(params, "start")
		if err != nil {
			return nil, err
		}
		end, err := requireString(params, "end")
		if err != nil {
			return nil, err
		}

		body := map[string]interface{}{
			"summary": summary,
			"start":   map[string]interface{}{"dateTime": start},
			"end":     map[string]interface{}{"dateTime": end},
		}
		if desc, ok := params["description"].(string); ok && desc != "" {
			body["description"] = desc
		}
		if attendees, ok := params["attendees"].([]interface{}); ok {
			list := make([]interface{}, 0, len(attendees))
			for _, a := range attendees {
				if email, ok := a.(string); ok {
					list = append(list, map[string]interface{}{"email": email})
				}
			}
			body["attendees"] = list
		}
		return doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/calendars/%s/events", p.baseURL, url.PathEscape(calendarID)), p.headers(token), body)

	case "list_events":
		query := url.Values{"singleEvents": {"true"}, "orderBy": {"startTime"}}
		if min, ok := params["time_min"].(string); ok && min != "" {
			query.Set("timeMin", min)
		}
		if max, ok := params["time_max"].(string); ok && max != "" {
			query.Set("timeMax", max)
		}
		endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", p.baseURL, url.PathEscape(calendarID), query.Encode())
		return doJSON(ctx, http.MethodGet, endpoint, p.headers(token), nil)

	case "delete_event":
		eventID, err := requireString(params, "event_id")
		if err != nil {
			return nil, err
		}
		return doJSON(ctx, http.MethodDelete, fmt.Sprintf("%s/calendars/%s/events/%s", p.baseURL, url.PathEscape(calendarID), url.PathEscape(eventID)), p.headers(token), nil)

	default:
		return nil, errs.Newf(errs.KindValidation, "unknown calendar operation %q", operation)
	}
}
