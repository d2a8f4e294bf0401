package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/extract"
	"github.com/crestwell/leadpipe/internal/fetch"
	"github.com/crestwell/leadpipe/internal/permute"
	"github.com/crestwell/leadpipe/internal/ratelimit"
	"github.com/crestwell/leadpipe/internal/verify"
)

// ===== Preflight host selection =====

// blockingPreflight builds a Preflight whose dialer refuses the given
// hosts. Hosts are IP literals so address resolution stays local.
func blockingPreflight(blocked map[string]bool, dialed *[]string) *verify.Preflight {
	return verify.NewPreflightWithDialer(config.SMTPConfig{
		ProbesEnabled:       true,
		PreflightTimeoutSec: 1,
		Port:                2525,
	}, func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, _ := net.SplitHostPort(addr)
		if dialed != nil {
			*dialed = append(*dialed, host)
		}
		if blocked[host] {
			return nil, errors.New("connection refused")
		}
		c1, c2 := net.Pipe()
		c2.Close()
		return c1, nil
	})
}

func TestPreflightHost_TriesRemainingExchangers(t *testing.T) {
	var dialed []string
	pc := &PipelineContext{
		Preflight: blockingPreflight(map[string]bool{"127.0.0.2": true}, &dialed),
	}

	// The lowest-priority exchanger refuses port 25; the backup accepts
	// and becomes the probe target.
	got := pc.preflightHost(context.Background(), []string{"127.0.0.2", "127.0.0.1"})
	if got != "127.0.0.1" {
		t.Errorf("preflightHost = %q, want the reachable backup exchanger", got)
	}
	if len(dialed) != 2 {
		t.Errorf("dialed hosts = %v, want both exchangers tried", dialed)
	}
}

func TestPreflightHost_AllBlocked(t *testing.T) {
	pc := &PipelineContext{
		Preflight: blockingPreflight(map[string]bool{"127.0.0.2": true, "127.0.0.1": true}, nil),
	}
	if got := pc.preflightHost(context.Background(), []string{"127.0.0.2", "127.0.0.1"}); got != "" {
		t.Errorf("preflightHost = %q, want empty when every exchanger is blocked", got)
	}
}

// ===== End-to-end scenarios =====

func TestScenario_ValidCorporateEmail(t *testing.T) {
	// Jane Doe crawled from /team with no published address: generation
	// ranks jane.doe@ first, the domain settles not_catch_all, and an
	// RCPT accept classifies valid.
	cands := permute.Generate("Jane", "Doe", "example.com", "")
	if len(cands) == 0 || cands[0].Email != "jane.doe@example.com" {
		t.Fatalf("candidates = %+v, want jane.doe@example.com ranked first", cands)
	}

	now := time.Now()
	code := 250
	v := verify.NewClassifier(90).Classify(verify.Signals{
		Catchall:   domain.NotCatchAll,
		CatchallAt: now,
		Rcpt:       domain.RcptAccept,
		RcptCode:   &code,
		RcptAt:     now,
	}, now)
	if v.Status != domain.VerifyValid || v.Reason != verify.ReasonRcpt2xxNonCatchall {
		t.Errorf("verdict = %+v, want valid/rcpt_2xx_non_catchall", v)
	}
}

func TestScenario_CatchAllDomain(t *testing.T) {
	// The detector's random localpart was accepted, so every address on
	// the domain lands risky regardless of its own RCPT accept.
	now := time.Now()
	code := 250
	v := verify.NewClassifier(90).Classify(verify.Signals{
		Catchall:   domain.CatchAll,
		CatchallAt: now,
		Rcpt:       domain.RcptAccept,
		RcptCode:   &code,
		RcptAt:     now,
	}, now)
	if v.Status != domain.VerifyRiskyCatchAll || v.Reason != verify.ReasonCatchallDomain {
		t.Errorf("verdict = %+v, want risky_catch_all/catch_all_domain", v)
	}
}

func TestScenario_HardInvalidDoesNotShortCircuitSiblings(t *testing.T) {
	// ghost@ gets a 550; the verdict is terminal for that address only,
	// and a sibling address on the same domain still verifies valid.
	now := time.Now()
	cl := verify.NewClassifier(90)

	hard := 550
	ghost := cl.Classify(verify.Signals{
		Catchall:   domain.NotCatchAll,
		CatchallAt: now,
		Rcpt:       domain.RcptHardFail,
		RcptCode:   &hard,
		RcptAt:     now,
	}, now)
	if ghost.Status != domain.VerifyInvalid || ghost.Reason != verify.ReasonRcpt5xx {
		t.Fatalf("verdict = %+v, want invalid/rcpt_5xx", ghost)
	}

	ok := 250
	sibling := cl.Classify(verify.Signals{
		Catchall:   domain.NotCatchAll,
		CatchallAt: now,
		Rcpt:       domain.RcptAccept,
		RcptCode:   &ok,
		RcptAt:     now,
	}, now)
	if sibling.Status != domain.VerifyValid {
		t.Errorf("sibling verdict = %+v, want valid", sibling)
	}
}

func TestScenario_Port25Blocked(t *testing.T) {
	// Outbound 25 blocked toward every exchanger: no probe happens and,
	// with no fallback vendor configured, the address admits
	// unknown_timeout with the blocked reason preserved.
	pc := &PipelineContext{
		Preflight: blockingPreflight(map[string]bool{"127.0.0.1": true, "127.0.0.2": true}, nil),
	}
	if host := pc.preflightHost(context.Background(), []string{"127.0.0.1", "127.0.0.2"}); host != "" {
		t.Fatalf("preflightHost = %q, want empty", host)
	}

	now := time.Now()
	v := verify.NewClassifier(90).Classify(verify.Signals{RcptReason: "tcp25_blocked"}, now)
	if v.Status != domain.VerifyUnknownTimeout || v.Reason != "tcp25_blocked" {
		t.Errorf("verdict = %+v, want unknown_timeout/tcp25_blocked", v)
	}
}

// pageDoer serves canned responses keyed by full request URL.
type pageDoer struct {
	mu     sync.Mutex
	routes map[string]pageResp
	calls  []string
}

type pageResp struct {
	status  int
	body    string
	headers map[string]string
}

func (d *pageDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req.URL.String())
	r, ok := d.routes[req.URL.String()]
	d.mu.Unlock()
	if !ok {
		r = pageResp{status: 404}
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

func (d *pageDoer) callCount(url string) int {
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

func TestScenario_RobotsDisallowedPageNeverFetched(t *testing.T) {
	// robots.txt disallows /team: the page is never requested, the rest
	// of the domain crawls normally, and the domain does not fail.
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	doer := &pageDoer{routes: map[string]pageResp{
		"https://example.com/robots.txt": {
			status: 200,
			body:   "User-agent: *\nDisallow: /team\n",
		},
		"https://example.com/about": {
			status:  200,
			body:    "<html><body>Our offices</body></html>",
			headers: map[string]string{"Content-Type": "text/html"},
		},
	}}
	pc.Cfg.Crawl.DefaultDelaySec = 0
	pc.Cfg.Crawl.SeedPaths = []string{"/team", "/about"}
	pc.Fetcher = fetch.NewFetcher(pc.Cfg.Crawl, pc.Redis, doer)
	pc.ExtractorFor = func(dom string) extract.Extractor {
		return extract.NewRuleExtractor(dom)
	}

	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("running", 1, 0, 0))
	// Only the allowed page is stored; the stage then records the domain
	// and chains to generation.
	mock.ExpectExec("INSERT INTO sources").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE companies").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload, _ := json.Marshal(domainTask{
		Task: taskAutodiscovery, RunID: "run-1", Domain: "example.com", CompanyID: 3,
	})
	err := pc.HandleAutodiscovery(context.Background(), &domain.Job{ID: uuid.New(), Payload: payload})
	if err != nil {
		t.Fatalf("autodiscovery must not fail the domain: %v", err)
	}

	if n := doer.callCount("https://example.com/team"); n != 0 {
		t.Errorf("disallowed page fetched %d times, want never", n)
	}
	if n := doer.callCount("https://example.com/about"); n != 1 {
		t.Errorf("allowed page fetched %d times, want once", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestScenario_PerMXSaturation(t *testing.T) {
	// 50 probes against one MX with per-MX concurrency 2: occupancy
	// never exceeds the cap, denials leak no global slots, and every
	// release returns its slot.
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	l := ratelimit.NewLimiter(rdb)
	ctx := context.Background()

	scopes := func() []ratelimit.Scope {
		return []ratelimit.Scope{
			ratelimit.GlobalScope(10),
			ratelimit.MXScope("mx.example.com", 2),
		}
	}

	var held []*ratelimit.Lease
	for i := 0; i < 50; i++ {
		lease, err := l.Acquire(ctx, scopes()...)
		if err != nil {
			if !errors.Is(err, ratelimit.ErrRateLimited) {
				t.Fatalf("acquire %d: %v", i, err)
			}
			continue
		}
		held = append(held, lease)
		if v, _ := l.SemValue(ctx, "sem:mx:mx.example.com"); v > 2 {
			t.Fatalf("per-mx occupancy %d exceeds the cap", v)
		}
	}
	if len(held) != 2 {
		t.Fatalf("granted %d leases, want exactly the per-mx cap of 2", len(held))
	}
	// A denied acquire must release the global slot it briefly took.
	if v, _ := l.SemValue(ctx, "sem:global"); v != 2 {
		t.Errorf("global occupancy = %d, want 2", v)
	}

	// Releasing one slot admits exactly one more probe.
	held[0].Release(ctx)
	lease, err := l.Acquire(ctx, scopes()...)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	held = append(held, lease)

	for _, le := range held[1:] {
		le.Release(ctx)
	}
	if v, _ := l.SemValue(ctx, "sem:mx:mx.example.com"); v != 0 {
		t.Errorf("per-mx occupancy = %d after full release, want 0", v)
	}

	// The per-MX token bucket holds independently of the semaphore.
	ok, _, err := l.ConsumeRPS(ctx, "mx:mx.example.com", 1)
	if err != nil || !ok {
		t.Fatalf("first token: ok=%v err=%v", ok, err)
	}
	ok, wait, err := l.ConsumeRPS(ctx, "mx:mx.example.com", 1)
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if ok {
		// Second-boundary rollover can legitimately admit the token.
		return
	}
	if wait <= 0 {
		t.Errorf("exhausted bucket suggested wait %v, want positive", wait)
	}
}
