package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/freitascorp/qlikclaw/pkg/engine"
)

const (
	DefaultAppsLimit = 25
	MaxAppsLimit     = 50
)

// App is the listing view of an application.
type App struct {
	ID             string `json:"guid"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Stream         string `json:"stream"`
	Published      bool   `json:"published"`
	ModifiedDate   string `json:"modified_dttm"`
	LastReloadTime string `json:"reload_dttm"`
}

// AppFilter narrows ListApplications. Name and Stream accept * and %
// wildcards and match case-insensitively; a plain word matches anywhere.
// Published nil lists both published and unpublished apps.
type AppFilter struct {
	Name      string
	Stream    string
	Published *bool
}

// Pagination describes the window returned by ListApplications.
type Pagination struct {
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	Returned   int  `json:"returned"`
	TotalFound int  `json:"total_found"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset"`
}

// AppList is one page of applications.
type AppList struct {
	Apps       []App      `json:"apps"`
	Pagination Pagination `json:"pagination"`
}

type qrsApp struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Published      bool   `json:"published"`
	PublishTime    string `json:"publishTime"`
	CreatedDate    string `json:"createdDate"`
	ModifiedDate   string `json:"modifiedDate"`
	LastReloadTime string `json:"lastReloadTime"`
	FileSize       int64  `json:"fileSize"`
	SavedInVersion string `json:"savedInProductVersion"`
	Stream         *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"stream"`
	Owner *struct {
		UserDirectory string `json:"userDirectory"`
		UserID        string `json:"userId"`
		Name          string `json:"name"`
	} `json:"owner"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	CustomProperties []struct {
		Value      string `json:"value"`
		Definition struct {
			Name string `json:"name"`
		} `json:"definition"`
	} `json:"customProperties"`
}

func (a qrsApp) stream() string {
	if a.Published && a.Stream != nil {
		return a.Stream.Name
	}
	return ""
}

// qrsFilter renders f as a QRS filter expression. Wildcards are dropped
// and "so" (substring of) is used; ListApplications re-applies the exact
// wildcard match to the result.
func qrsFilter(f AppFilter) string {
	var parts []string
	if f.Published != nil {
		parts = append(parts, fmt.Sprintf("published eq %t", *f.Published))
	}
	if lit := literal(f.Name); lit != "" {
		parts = append(parts, fmt.Sprintf("name so '%s'", lit))
	}
	if lit := literal(f.Stream); lit != "" {
		parts = append(parts, fmt.Sprintf("stream.name so '%s'", lit))
	}
	return strings.Join(parts, " and ")
}

// literal strips wildcards and quotes the remainder for a QRS string.
// Only the longest literal run is kept since "so" takes one substring.
func literal(pattern string) string {
	runs := strings.FieldsFunc(pattern, func(r rune) bool { return r == '*' || r == '%' || r == '?' })
	best := ""
	for _, r := range runs {
		if len(r) > len(best) {
			best = r
		}
	}
	return strings.ReplaceAll(best, "'", "''")
}

// ListApplications lists applications newest first. limit is clamped to
// 1..MaxAppsLimit (0 means DefaultAppsLimit) and a negative offset is
// treated as 0.
func (c *Client) ListApplications(ctx context.Context, f AppFilter, offset, limit int) (*AppList, error) {
	if limit < 1 {
		limit = DefaultAppsLimit
	}
	if limit > MaxAppsLimit {
		limit = MaxAppsLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := url.Values{"orderby": {"modifiedDate desc"}}
	if expr := qrsFilter(f); expr != "" {
		q.Set("filter", expr)
	}
	var raw []qrsApp
	if err := c.get(ctx, "app/full", q, &raw); err != nil {
		return nil, err
	}

	apps := make([]App, 0, len(raw))
	for _, a := range raw {
		app := App{
			ID:             a.ID,
			Name:           a.Name,
			Description:    a.Description,
			Stream:         a.stream(),
			Published:      a.Published,
			ModifiedDate:   a.ModifiedDate,
			LastReloadTime: a.LastReloadTime,
		}
		if f.Name != "" && !engine.MatchWildcard(f.Name, app.Name) {
			continue
		}
		if f.Stream != "" && !engine.MatchWildcard(f.Stream, app.Stream) {
			continue
		}
		if f.Published != nil && (app.Stream != "") != *f.Published {
			continue
		}
		apps = append(apps, app)
	}

	page := engine.Paginate(apps, engine.Window{Offset: offset, Limit: limit})
	return &AppList{
		Apps: page.Items,
		Pagination: Pagination{
			Limit:      limit,
			Offset:     offset,
			Returned:   page.Returned,
			TotalFound: page.Total,
			HasMore:    page.HasMore,
			NextOffset: page.NextOffset,
		},
	}, nil
}

// AppDetail is the Repository API's full view of one application.
type AppDetail struct {
	ID               string            `json:"app_id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Published        bool              `json:"published"`
	PublishTime      string            `json:"publish_time,omitempty"`
	Stream           string            `json:"stream,omitempty"`
	StreamID         string            `json:"stream_id,omitempty"`
	Owner            string            `json:"owner,omitempty"`
	CreatedDate      string            `json:"created_dttm,omitempty"`
	ModifiedDate     string            `json:"modified_dttm,omitempty"`
	LastReloadTime   string            `json:"reload_dttm,omitempty"`
	FileSize         int64             `json:"file_size,omitempty"`
	SavedInVersion   string            `json:"saved_in_version,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	CustomProperties map[string]string `json:"custom_properties,omitempty"`
	// DataModel is the tenant's data model metadata; Qlik Cloud only.
	DataModel        json.RawMessage   `json:"data_model,omitempty"`
}

// GetApplicationDetail fetches one application by id.
func (c *Client) GetApplicationDetail(ctx context.Context, appID string) (*AppDetail, error) {
	if strings.TrimSpace(appID) == "" {
		return nil, fmt.Errorf("app_id is required")
	}
	var a qrsApp
	if err := c.get(ctx, "app/"+url.PathEscape(appID), nil, &a); err != nil {
		return nil, err
	}

	d := &AppDetail{
		ID:             a.ID,
		Name:           a.Name,
		Description:    a.Description,
		Published:      a.Published,
		PublishTime:    a.PublishTime,
		Stream:         a.stream(),
		CreatedDate:    a.CreatedDate,
		ModifiedDate:   a.ModifiedDate,
		LastReloadTime: a.LastReloadTime,
		FileSize:       a.FileSize,
		SavedInVersion: a.SavedInVersion,
	}
	if a.Published && a.Stream != nil {
		d.StreamID = a.Stream.ID
	}
	if a.Owner != nil {
		d.Owner = a.Owner.UserDirectory + `\` + a.Owner.UserID
		if a.Owner.UserDirectory == "" {
			d.Owner = a.Owner.UserID
		}
	}
	for _, t := range a.Tags {
		d.Tags = append(d.Tags, t.Name)
	}
	if len(a.CustomProperties) > 0 {
		d.CustomProperties = make(map[string]string, len(a.CustomProperties))
		for _, p := range a.CustomProperties {
			d.CustomProperties[p.Definition.Name] = p.Value
		}
	}
	return d, nil
}

// Stream is a publishing stream.
type Stream struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Streams lists every stream visible to the configured identity.
func (c *Client) Streams(ctx context.Context) ([]Stream, error) {
	var raw []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.get(ctx, "stream/full", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Stream, len(raw))
	for i, s := range raw {
		out[i] = Stream{ID: s.ID, Name: s.Name}
	}
	return out, nil
}
