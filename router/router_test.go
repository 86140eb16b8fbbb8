package router

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/edgecache/config"
)

func testRouter() *Router {
	cfg := config.Default()
	cfg.Server.Origin = "http://localhost:3000"
	cfg.Cache.AllowOrigins = []string{"https://fonts.example.com"}
	return New(cfg)
}

func TestClassify(t *testing.T) {
	rt := testRouter()

	tests := []struct {
		name   string
		method string
		url    string
		want   Decision
	}{
		{"post is mutate", "POST", "/api/v1/orders", Mutate},
		{"put is mutate", "PUT", "/api/v1/orders/7", Mutate},
		{"delete is mutate", "DELETE", "/api/v1/orders/7", Mutate},
		{"patch is mutate", "PATCH", "/api/v1/orders/7", Mutate},
		{"event stream wins over api prefix", "GET", "/api/v1/events", Stream},
		{"stream prefix", "GET", "/stream/live", Stream},
		{"api get", "GET", "/api/v1/state", API},
		{"api head", "HEAD", "/api/v1/state", API},
		{"png is image", "GET", "/pics/logo.png", Image},
		{"image under static prefix", "GET", "/assets/icon.svg", Image},
		{"uppercase extension", "GET", "/pics/photo.JPG", Image},
		{"js is static", "GET", "/app.js", Static},
		{"css is static", "GET", "/styles/main.css", Static},
		{"static prefix without extension", "GET", "/assets/manifest", Static},
		{"navigation is dynamic", "GET", "/dashboard", Dynamic},
		{"html page is dynamic", "GET", "/dashboard.html", Dynamic},
		{"root is dynamic", "GET", "/", Dynamic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.url, nil)
			assert.Equal(t, tt.want, rt.Classify(r), "%s %s", tt.method, tt.url)
		})
	}
}

func TestClassifyPrecachedShell(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Origin = "http://localhost:3000"
	cfg.Cache.Precache = []string{"/index.html", "/offline.html"}
	rt := New(cfg)

	r := httptest.NewRequest("GET", "/index.html", nil)
	assert.Equal(t, Static, rt.Classify(r), "precached shell is cache-first")

	r = httptest.NewRequest("GET", "/other.html", nil)
	assert.Equal(t, Dynamic, rt.Classify(r))
}

func TestClassifyCrossOrigin(t *testing.T) {
	rt := testRouter()

	allowed := httptest.NewRequest("GET", "https://fonts.example.com/font.woff2", nil)
	assert.Equal(t, Static, rt.Classify(allowed))

	denied := httptest.NewRequest("GET", "https://tracker.example.net/pixel.gif", nil)
	assert.Equal(t, PassThrough, rt.Classify(denied))
}

func TestDecisionTier(t *testing.T) {
	assert.Equal(t, config.TierStatic, Static.Tier())
	assert.Equal(t, config.TierDynamic, Dynamic.Tier())
	assert.Equal(t, config.TierAPI, API.Tier())
	assert.Equal(t, config.TierImage, Image.Tier())
	assert.Equal(t, "", Stream.Tier())
	assert.Equal(t, "", Mutate.Tier())

	assert.True(t, Image.Cacheable())
	assert.False(t, PassThrough.Cacheable())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "dynamic", Dynamic.String())
	assert.Equal(t, "pass-through", PassThrough.String())
	assert.Equal(t, "unknown", Decision(99).String())
}
