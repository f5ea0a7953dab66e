package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/freitascorp/qlikclaw/pkg/engine"
	"github.com/freitascorp/qlikclaw/pkg/repository"
)

type item struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	ResourceType       string `json:"resourceType"`
	ResourceID         string `json:"resourceId"`
	SpaceID            string `json:"spaceId"`
	CreatedAt          string `json:"createdAt"`
	UpdatedAt          string `json:"updatedAt"`
	ResourceAttributes struct {
		Published      bool   `json:"published"`
		LastReloadTime string `json:"lastReloadTime"`
	} `json:"resourceAttributes"`
}

// appID is the app's own id; the item id only addresses the catalog entry.
func (i item) appID() string {
	if i.ResourceID != "" {
		return i.ResourceID
	}
	return i.ID
}

type space struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Streams lists the tenant's spaces. Spaces take the place of streams on
// Qlik Cloud.
func (c *Client) Streams(ctx context.Context) ([]repository.Stream, error) {
	raw, err := listAll[space](ctx, c, "spaces", url.Values{"limit": {strconv.Itoa(pageSize)}})
	if err != nil {
		return nil, err
	}
	out := make([]repository.Stream, len(raw))
	for i, s := range raw {
		out[i] = repository.Stream{ID: s.ID, Name: s.Name}
	}
	return out, nil
}

func (c *Client) spaceNames(ctx context.Context) (map[string]string, error) {
	spaces, err := c.Streams(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(spaces))
	for _, s := range spaces {
		names[s.ID] = s.Name
	}
	return names, nil
}

// ListApplications lists the tenant's apps newest first, with the same
// filter and paging rules as the Repository API listing. Stream matches the
// space name; apps in a personal space have none.
func (c *Client) ListApplications(ctx context.Context, f repository.AppFilter, offset, limit int) (*repository.AppList, error) {
	if limit < 1 {
		limit = repository.DefaultAppsLimit
	}
	if limit > repository.MaxAppsLimit {
		limit = repository.MaxAppsLimit
	}
	if offset < 0 {
		offset = 0
	}

	items, err := listAll[item](ctx, c, "items", url.Values{
		"resourceType": {"app"},
		"limit":        {strconv.Itoa(pageSize)},
		"sort":         {"-updatedAt"},
	})
	if err != nil {
		return nil, err
	}
	spaces, err := c.spaceNames(ctx)
	if err != nil {
		return nil, err
	}

	apps := make([]repository.App, 0, len(items))
	for _, it := range items {
		if it.ResourceType != "" && it.ResourceType != "app" {
			continue
		}
		app := repository.App{
			ID:             it.appID(),
			Name:           it.Name,
			Description:    it.Description,
			Stream:         spaces[it.SpaceID],
			Published:      it.ResourceAttributes.Published,
			ModifiedDate:   it.UpdatedAt,
			LastReloadTime: it.ResourceAttributes.LastReloadTime,
		}
		if f.Name != "" && !engine.MatchWildcard(f.Name, app.Name) {
			continue
		}
		if f.Stream != "" && !engine.MatchWildcard(f.Stream, app.Stream) {
			continue
		}
		if f.Published != nil && app.Published != *f.Published {
			continue
		}
		apps = append(apps, app)
	}
	// RFC 3339 timestamps in one zone sort lexically.
	sort.SliceStable(apps, func(i, j int) bool { return apps[i].ModifiedDate > apps[j].ModifiedDate })

	page := engine.Paginate(apps, engine.Window{Offset: offset, Limit: limit})
	return &repository.AppList{
		Apps: page.Items,
		Pagination: repository.Pagination{
			Limit:      limit,
			Offset:     offset,
			Returned:   page.Returned,
			TotalFound: page.Total,
			HasMore:    page.HasMore,
			NextOffset: page.NextOffset,
		},
	}, nil
}

type appAttributes struct {
	Attributes struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		Description    string `json:"description"`
		Owner          string `json:"owner"`
		OwnerID        string `json:"ownerId"`
		Published      bool   `json:"published"`
		PublishTime    string `json:"publishTime"`
		CreatedDate    string `json:"createdDate"`
		ModifiedDate   string `json:"modifiedDate"`
		LastReloadTime string `json:"lastReloadTime"`
		SpaceID        string `json:"spaceId"`
		FileSize       int64  `json:"staticByteSize"`
	} `json:"attributes"`
}

// GetApplicationDetail fetches an app's attributes, its space and its data
// model metadata. Metadata that cannot be read is left out rather than
// failing the call.
func (c *Client) GetApplicationDetail(ctx context.Context, appID string) (*repository.AppDetail, error) {
	if strings.TrimSpace(appID) == "" {
		return nil, fmt.Errorf("app_id is required")
	}
	var raw appAttributes
	if err := c.get(ctx, "apps/"+url.PathEscape(appID), nil, &raw); err != nil {
		return nil, err
	}
	a := raw.Attributes

	d := &repository.AppDetail{
		ID:             appID,
		Name:           a.Name,
		Description:    a.Description,
		Published:      a.Published,
		PublishTime:    a.PublishTime,
		StreamID:       a.SpaceID,
		Owner:          a.Owner,
		CreatedDate:    a.CreatedDate,
		ModifiedDate:   a.ModifiedDate,
		LastReloadTime: a.LastReloadTime,
		FileSize:       a.FileSize,
	}
	if d.Owner == "" {
		d.Owner = a.OwnerID
	}

	if a.SpaceID != "" {
		var s space
		if err := c.get(ctx, "spaces/"+url.PathEscape(a.SpaceID), nil, &s); err != nil {
			c.logger.Debug("space lookup failed", "space_id", a.SpaceID, "error", err)
		} else {
			d.Stream = s.Name
		}
	}

	var meta json.RawMessage
	if err := c.get(ctx, "apps/"+url.PathEscape(appID)+"/data/metadata", nil, &meta); err != nil {
		c.logger.Debug("app metadata unavailable", "app_id", appID, "error", err)
	} else {
		d.DataModel = meta
	}
	return d, nil
}
