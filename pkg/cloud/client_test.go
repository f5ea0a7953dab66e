package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/freitascorp/qlikclaw/pkg/observability"
	"github.com/freitascorp/qlikclaw/pkg/repository"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// tenantStub serves a small Qlik Cloud tenant: 30 app items split over two
// cursor pages, two spaces, and one app with attributes and metadata.
type tenantStub struct {
	srv *httptest.Server

	mu      sync.Mutex
	paths   []string
	auth    []string
	nextRef string // overrides the first page's next link when set
}

func newTenantStub(t *testing.T) *tenantStub {
	t.Helper()
	s := &tenantStub{}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *tenantStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.RequestURI())
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	nextRef := s.nextRef
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	switch r.URL.Path {
	case "/api/v1/items":
		if r.URL.Query().Get("resourceType") != "app" {
			http.Error(w, "resourceType required", http.StatusBadRequest)
			return
		}
		from, to := 0, 20
		if r.URL.Query().Get("next") == "p2" {
			from, to = 20, 30
		}
		var data []any
		for i := from; i < to; i++ {
			spaceID := ""
			if i%2 == 0 {
				spaceID = "sp-finance"
			}
			data = append(data, map[string]any{
				"id":           fmt.Sprintf("item-%02d", i),
				"resourceId":   fmt.Sprintf("app-%02d", i),
				"resourceType": "app",
				"name":         fmt.Sprintf("Sales %02d", i),
				"spaceId":      spaceID,
				"updatedAt":    fmt.Sprintf("2026-01-%02dT00:00:00Z", i%28+1),
				"resourceAttributes": map[string]any{
					"published":      i%2 == 0,
					"lastReloadTime": "2026-01-01T06:00:00Z",
				},
			})
		}
		body := map[string]any{"data": data, "links": map[string]any{}}
		if from == 0 {
			next := s.srv.URL + "/api/v1/items?resourceType=app&next=p2"
			if nextRef != "" {
				next = nextRef
			}
			body["links"] = map[string]any{"next": map[string]any{"href": next}}
		}
		_ = enc.Encode(body)
	case "/api/v1/spaces":
		_ = enc.Encode(map[string]any{"data": []any{
			map[string]any{"id": "sp-finance", "name": "Finance", "type": "managed"},
			map[string]any{"id": "sp-ops", "name": "Operations", "type": "shared"},
		}})
	case "/api/v1/spaces/sp-finance":
		_ = enc.Encode(map[string]any{"id": "sp-finance", "name": "Finance"})
	case "/api/v1/apps/app-00":
		_ = enc.Encode(map[string]any{"attributes": map[string]any{
			"id": "app-00", "name": "Sales 00", "owner": "auth0|jdoe", "published": true,
			"spaceId": "sp-finance", "lastReloadTime": "2026-01-01T06:00:00Z", "staticByteSize": 4096,
		}})
	case "/api/v1/apps/app-00/data/metadata":
		_ = enc.Encode(map[string]any{"tables": []any{map[string]any{"name": "Orders", "no_of_rows": 10}}})
	case "/api/v1/apps/app-01":
		_ = enc.Encode(map[string]any{"attributes": map[string]any{"id": "app-01", "name": "Sales 01", "ownerId": "u-7"}})
	case "/api/v1/apps/broken":
		http.Error(w, "down", http.StatusServiceUnavailable)
	default:
		http.NotFound(w, r)
	}
}

func (s *tenantStub) requests() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...), append([]string(nil), s.auth...)
}

func newTestClient(t *testing.T, s *tenantStub, opts Options) *Client {
	t.Helper()
	opts.BaseURL = s.srv.URL
	opts.Logger = quietLogger()
	if opts.Headers == nil {
		opts.Headers = http.Header{"Authorization": {"Bearer api-key"}}
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestListApplications_FollowsCursorAndFilters(t *testing.T) {
	s := newTenantStub(t)
	metrics := observability.NewEngineMetrics()
	c := newTestClient(t, s, Options{Metrics: metrics})
	ctx := context.Background()

	published := true
	list, err := c.ListApplications(ctx, repository.AppFilter{Published: &published}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 15, list.Pagination.TotalFound)
	assert.Equal(t, repository.DefaultAppsLimit, list.Pagination.Limit)
	assert.Equal(t, 15, list.Pagination.Returned)
	assert.False(t, list.Pagination.HasMore)
	for _, a := range list.Apps {
		assert.True(t, a.Published, a.ID)
		assert.Equal(t, "Finance", a.Stream, a.ID)
	}
	assert.Equal(t, "app-26", list.Apps[0].ID, "newest first")

	paths, auth := s.requests()
	assert.Len(t, paths, 3, "two item pages and one spaces listing")
	assert.Contains(t, paths[1], "next=p2")
	for _, h := range auth {
		assert.Equal(t, "Bearer api-key", h)
	}
	assert.Equal(t, int64(3), metrics.RepositoryRequests.Value())

	list, err = c.ListApplications(ctx, repository.AppFilter{Name: "sales 1*", Stream: "fin*"}, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, list.Pagination.TotalFound)
	assert.Equal(t, 3, list.Pagination.Returned)
	require.NotNil(t, list.Pagination.NextOffset)
	assert.Equal(t, 4, *list.Pagination.NextOffset)
}

func TestListApplications_RootedNextLink(t *testing.T) {
	s := newTenantStub(t)
	s.nextRef = "/api/v1/items?resourceType=app&next=p2"
	c := newTestClient(t, s, Options{})

	list, err := c.ListApplications(context.Background(), repository.AppFilter{}, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 30, list.Pagination.TotalFound)
}

func TestListApplications_RefusesForeignNextLink(t *testing.T) {
	s := newTenantStub(t)
	s.nextRef = "https://attacker.example.com/api/v1/items?next=p2"
	c := newTestClient(t, s, Options{})

	_, err := c.ListApplications(context.Background(), repository.AppFilter{}, 0, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leaves tenant")
	paths, _ := s.requests()
	assert.Len(t, paths, 1)
}

func TestGetApplicationDetail(t *testing.T) {
	s := newTenantStub(t)
	c := newTestClient(t, s, Options{})
	ctx := context.Background()

	d, err := c.GetApplicationDetail(ctx, "app-00")
	require.NoError(t, err)
	assert.Equal(t, "app-00", d.ID)
	assert.Equal(t, "Sales 00", d.Name)
	assert.Equal(t, "Finance", d.Stream)
	assert.Equal(t, "sp-finance", d.StreamID)
	assert.Equal(t, "auth0|jdoe", d.Owner)
	assert.Equal(t, int64(4096), d.FileSize)
	assert.JSONEq(t, `{"tables":[{"name":"Orders","no_of_rows":10}]}`, string(d.DataModel))

	// Metadata and space lookups are best effort.
	d, err = c.GetApplicationDetail(ctx, "app-01")
	require.NoError(t, err)
	assert.Equal(t, "u-7", d.Owner)
	assert.Empty(t, d.Stream)
	assert.Nil(t, d.DataModel)

	_, err = c.GetApplicationDetail(ctx, " ")
	assert.Error(t, err)

	_, err = c.GetApplicationDetail(ctx, "broken")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "/api/v1/apps/broken", se.Path)
}

func TestStreamsListsSpaces(t *testing.T) {
	s := newTenantStub(t)
	c := newTestClient(t, s, Options{})

	streams, err := c.Streams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []repository.Stream{{ID: "sp-finance", Name: "Finance"}, {ID: "sp-ops", Name: "Operations"}}, streams)
}

func TestTokenSourceReplacesAPIKey(t *testing.T) {
	s := newTenantStub(t)
	c := newTestClient(t, s, Options{
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "m2m", TokenType: "Bearer"}),
	})

	_, err := c.Streams(context.Background())
	require.NoError(t, err)
	_, auth := s.requests()
	assert.Equal(t, []string{"Bearer m2m"}, auth)
}
