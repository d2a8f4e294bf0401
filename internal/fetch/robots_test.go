package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

const testUA = "LeadPipeBot/1.0 (+https://crestwellpartners.com/bot)"

func TestParseRobots_GroupSelection(t *testing.T) {
	text := `
User-agent: googlebot
Disallow: /

User-agent: leadpipebot
Disallow: /private
Crawl-delay: 5

User-agent: *
Disallow: /admin
`
	p := ParseRobots(text, testUA)
	if !p.Allowed("/team") {
		t.Error("/team should be allowed for our UA group")
	}
	if p.Allowed("/private/x") {
		t.Error("/private should be disallowed for our UA group")
	}
	if !p.Allowed("/admin") {
		t.Error("the wildcard group's /admin rule should not apply to our group")
	}
	if p.CrawlDelay != 5*time.Second {
		t.Errorf("crawl delay = %v, want 5s", p.CrawlDelay)
	}
}

func TestParseRobots_WildcardFallback(t *testing.T) {
	text := `
User-agent: googlebot
Disallow:

User-agent: *
Disallow: /internal
`
	p := ParseRobots(text, testUA)
	if p.Allowed("/internal/docs") {
		t.Error("wildcard group must apply when no UA group matches")
	}
	if !p.Allowed("/public") {
		t.Error("/public should be allowed")
	}
}

func TestPolicyAllowed_LongestMatch(t *testing.T) {
	text := `
User-agent: *
Disallow: /private
Allow: /private/profiles
`
	p := ParseRobots(text, testUA)

	tests := []struct {
		path string
		want bool
	}{
		{"/private/profiles/jane", true},
		{"/private/else", false},
		{"/private", false},
		{"/public", true},
		{"", true},
	}
	for _, tt := range tests {
		if got := p.Allowed(tt.path); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPolicyAllowed_AllowBeatsDisallowOnTie(t *testing.T) {
	text := `
User-agent: *
Disallow: /p
Allow: /p
`
	p := ParseRobots(text, testUA)
	if !p.Allowed("/p/x") {
		t.Error("equal-length Allow must win over Disallow")
	}
}

func TestParseRobots_EmptyDisallowAllowsAll(t *testing.T) {
	p := ParseRobots("User-agent: *\nDisallow:\n", testUA)
	if !p.Allowed("/anything") {
		t.Error("empty Disallow means allow everything")
	}
}

func TestParseRobots_CommentsAndBlank(t *testing.T) {
	text := `
# robots for example.com
User-agent: * # everyone
Disallow: /tmp # scratch space
`
	p := ParseRobots(text, testUA)
	if p.Allowed("/tmp/file") {
		t.Error("/tmp should be disallowed")
	}
	if !p.Allowed("/") {
		t.Error("/ should be allowed")
	}
}

// ===== RobotsCache fetch behavior =====

// routeDoer serves canned responses keyed by full request URL.
type routeDoer struct {
	mu     sync.Mutex
	routes map[string]routeResp
	calls  []string
}

type routeResp struct {
	status  int
	body    string
	headers map[string]string
	err     error
}

func (d *routeDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req.URL.String())
	r, ok := d.routes[req.URL.String()]
	d.mu.Unlock()
	if !ok {
		r = routeResp{status: 404}
	}
	if r.err != nil {
		return nil, r.err
	}
	resp := &http.Response{
		StatusCode: r.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}
	for k, v := range r.headers {
		resp.Header.Set(k, v)
	}
	return resp, nil
}

func (d *routeDoer) callCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == url {
			n++
		}
	}
	return n
}

func TestRobotsCache_StatusHandling(t *testing.T) {
	tests := []struct {
		name      string
		resp      routeResp
		wantAllow bool
	}{
		{"404 allows everything", routeResp{status: 404}, true},
		{"410 allows everything", routeResp{status: 410}, true},
		{"500 denies everything", routeResp{status: 500}, false},
		{"503 denies everything", routeResp{status: 503}, false},
		{"unreachable denies everything", routeResp{err: errors.New("connect refused")}, false},
		{"parsed policy applies", routeResp{status: 200, body: "User-agent: *\nDisallow: /x\n"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &routeDoer{routes: map[string]routeResp{
				"https://example.com/robots.txt": tt.resp,
			}}
			rc := NewRobotsCache(doer, testUA, 3600, 300)
			if got := rc.Allowed(context.Background(), "example.com", "/team"); got != tt.wantAllow {
				t.Errorf("Allowed(/team) = %v, want %v", got, tt.wantAllow)
			}
		})
	}
}

func TestRobotsCache_CachesPolicy(t *testing.T) {
	doer := &routeDoer{routes: map[string]routeResp{
		"https://example.com/robots.txt": {status: 200, body: "User-agent: *\nDisallow: /x\n"},
	}}
	rc := NewRobotsCache(doer, testUA, 3600, 300)

	for i := 0; i < 5; i++ {
		rc.Allowed(context.Background(), "example.com", "/team")
	}
	if n := doer.callCount("https://example.com/robots.txt"); n != 1 {
		t.Errorf("robots.txt fetched %d times, want 1", n)
	}

	rc.Invalidate("example.com")
	rc.Allowed(context.Background(), "example.com", "/team")
	if n := doer.callCount("https://example.com/robots.txt"); n != 2 {
		t.Errorf("robots.txt fetched %d times after invalidate, want 2", n)
	}
}
