package authz

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/keygate/internal/config"
)

func TestAuthorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		granted  []string
		required []string
		want     bool
	}{
		{name: "exact match", granted: []string{"read"}, required: []string{"read"}, want: true},
		{name: "superset", granted: []string{"read", "write", "admin"}, required: []string{"write", "read"}, want: true},
		{name: "missing one", granted: []string{"read"}, required: []string{"read", "write"}, want: false},
		{name: "nothing required", granted: []string{"read"}, required: nil, want: true},
		{name: "empty granted nothing required", granted: nil, required: nil, want: false},
		{name: "empty granted", granted: []string{}, required: []string{"read"}, want: false},
		{name: "duplicates ignored", granted: []string{"read", "read"}, required: []string{"read", "read"}, want: true},
		{name: "no hierarchy", granted: []string{"admin"}, required: []string{"read"}, want: false},
		{name: "no prefix match", granted: []string{"read"}, required: []string{"read:all"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Authorize(tt.granted, tt.required))
		})
	}
}

func TestMissing(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"admin", "write"}, Missing([]string{"read"}, []string{"write", "read", "admin", "write"}))
	assert.Empty(t, Missing([]string{"read"}, []string{"read"}))
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"read", "write"}, Normalize([]string{"write", "read", "write"}))
	got := Normalize(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRouteScopes_Required(t *testing.T) {
	t.Parallel()

	rs := NewRouteScopes([]Rule{
		{PathPrefix: "/v1", Scopes: []string{"read"}},
		{PathPrefix: "/v1/items", Method: "*", Scopes: []string{"items:read"}},
		{PathPrefix: "/v1/items", Method: http.MethodPost, Scopes: []string{"items:write"}},
		{PathPrefix: "/v1/admin", Scopes: []string{"admin"}},
	}, []string{"default"})

	tests := []struct {
		method string
		path   string
		want   []string
	}{
		{method: http.MethodGet, path: "/v1/users", want: []string{"read"}},
		{method: http.MethodGet, path: "/v1/items/42", want: []string{"items:read"}},
		{method: http.MethodPost, path: "/v1/items", want: []string{"items:write"}},
		{method: "post", path: "/v1/items", want: []string{"items:write"}},
		{method: http.MethodDelete, path: "/v1/admin/keys", want: []string{"admin"}},
		{method: http.MethodGet, path: "/health", want: []string{"default"}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, rs.Required(tt.method, tt.path))
		})
	}
}

func TestRouteScopes_SegmentBoundaries(t *testing.T) {
	t.Parallel()

	rs := NewRouteScopes([]Rule{
		{PathPrefix: "/orders", Scopes: []string{"read", "write"}},
		{PathPrefix: "/open", Scopes: nil},
		{PathPrefix: "/static/", Scopes: []string{"assets"}},
	}, []string{"read"})

	tests := []struct {
		path string
		want []string
	}{
		{path: "/open", want: nil},
		{path: "/open/docs", want: nil},
		{path: "/openly-not-open", want: []string{"read"}},
		{path: "/orders-archive", want: []string{"read"}},
		{path: "/open/../orders/42", want: []string{"read", "write"}},
		{path: "/open/./../orders", want: []string{"read", "write"}},
		{path: "//orders//42", want: []string{"read", "write"}},
		{path: "/static/app.js", want: []string{"assets"}},
		{path: "/static/", want: []string{"assets"}},
		{path: "/staticfiles", want: []string{"read"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, rs.Required(http.MethodPost, tt.path))
		})
	}
}

func TestCleanPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "/"},
		{in: "/", want: "/"},
		{in: "orders", want: "/orders"},
		{in: "/open/../orders/42", want: "/orders/42"},
		{in: "/../../etc", want: "/etc"},
		{in: "/a//b/./c/", want: "/a/b/c/"},
		{in: "/a/b/..", want: "/a"},
		{in: "/a/b/../", want: "/a/"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CleanPath(tt.in))
		})
	}
}

func TestRouteScopes_FromConfigAndUpdate(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Routes = []config.Route{{PathPrefix: "/orders", Scopes: []string{"orders"}}}
	cfg.DefaultScopes = []string{"read"}

	rs := NewRouteScopesFromConfig(cfg)
	r := httptest.NewRequest(http.MethodGet, "/orders/1", nil)
	assert.Equal(t, []string{"orders"}, rs.RequiredFor(r))

	rs.Update(nil, []string{"other"})
	assert.Equal(t, []string{"other"}, rs.RequiredFor(r))
}

func TestRouteScopes_ConcurrentUpdate(t *testing.T) {
	t.Parallel()

	rs := NewRouteScopes(nil, []string{"a"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rs.Update([]Rule{{PathPrefix: "/", Scopes: []string{"b"}}}, nil)
		}()
		go func() {
			defer wg.Done()
			_ = rs.Required(http.MethodGet, "/x")
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"b"}, rs.Required(http.MethodGet, "/x"))
}
