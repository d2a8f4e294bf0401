// Package extract pulls published email addresses and people from
// fetched company pages. The rule-based extractor is deliberately
// conservative: a missed person costs a permutation, a fabricated one
// costs SMTP probes.
package extract

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// EmailCandidate is one published address sighting.
type EmailCandidate struct {
	Email     string
	SourceURL string
}

// PersonCandidate is one extracted individual.
type PersonCandidate struct {
	First     string
	Last      string
	Full      string
	Title     string
	SourceURL string
}

// Extraction is everything one page yielded.
type Extraction struct {
	Emails []EmailCandidate
	People []PersonCandidate
}

// Extractor turns a fetched page into candidates. The rule-based
// implementation is the default; an AI-assisted one can be swapped in
// behind the same interface.
type Extractor interface {
	Extract(pageURL string, html []byte) Extraction
}

var (
	emailRe  = regexp.MustCompile(`(?i)\b[a-z0-9][a-z0-9._%+-]*@[a-z0-9][a-z0-9.-]*\.[a-z]{2,}\b`)
	mailtoRe = regexp.MustCompile(`(?i)mailto:([a-z0-9][a-z0-9._%+-]*@[a-z0-9][a-z0-9.-]*\.[a-z]{2,})`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>|<style[^>]*>.*?</style>|<noscript[^>]*>.*?</noscript>`)

	// "First Last, Chief Widget Officer" and "First Last - CEO" forms,
	// capped at three capitalized name tokens.
	namePairRe = regexp.MustCompile(`(?m)([A-Z][a-zA-Z'’-]+(?: [A-Z][a-zA-Z'’-]+){1,2})\s*[,\-–—|]\s*([A-Z][^.\n<>{}]{2,60})`)
)

// assetExtensions are file suffixes that appear inside obfuscated text
// and produce false email matches (image@2x.png).
var assetExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".css", ".js"}

// RuleExtractor implements Extractor with regex heuristics, keeping
// only addresses on the target domain.
type RuleExtractor struct {
	domain string
}

// NewRuleExtractor builds an extractor scoped to one company domain.
func NewRuleExtractor(domain string) *RuleExtractor {
	return &RuleExtractor{domain: strings.ToLower(domain)}
}

// Extract implements Extractor.
func (e *RuleExtractor) Extract(pageURL string, html []byte) Extraction {
	var ex Extraction
	raw := string(html)

	seen := map[string]struct{}{}
	addEmail := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || !strings.HasSuffix(addr, "@"+e.domain) {
			return
		}
		for _, suffix := range assetExtensions {
			if strings.HasSuffix(addr, suffix) {
				return
			}
		}
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		ex.Emails = append(ex.Emails, EmailCandidate{Email: addr, SourceURL: pageURL})
	}

	for _, m := range mailtoRe.FindAllStringSubmatch(raw, -1) {
		addEmail(m[1])
	}

	text := scriptRe.ReplaceAllString(raw, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.ReplaceAll(text, "&nbsp;", " ")

	for _, m := range emailRe.FindAllString(text, -1) {
		addEmail(m)
	}

	ex.People = extractPeople(text, pageURL)
	return ex
}

func extractPeople(text, pageURL string) []PersonCandidate {
	seen := map[string]struct{}{}
	var out []PersonCandidate

	for _, m := range namePairRe.FindAllStringSubmatch(text, -1) {
		full := strings.TrimSpace(m[1])
		title := strings.TrimSpace(m[2])
		if !looksLikeTitle(title) {
			continue
		}
		parts := strings.Fields(full)
		if len(parts) < 2 {
			continue
		}
		key := strings.ToLower(full)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, PersonCandidate{
			First:     parts[0],
			Last:      parts[len(parts)-1],
			Full:      full,
			Title:     title,
			SourceURL: pageURL,
		})
	}
	return out
}

// titleWords gate name/title matches: the right-hand side must contain
// at least one word that occurs in job titles.
var titleWords = []string{
	"officer", "chief", "ceo", "cto", "cfo", "coo", "cmo", "cro", "ciso",
	"president", "vp", "vice", "director", "head", "manager", "lead",
	"founder", "partner", "principal", "engineer", "architect", "counsel",
	"analyst", "scientist", "designer", "recruiter", "sales", "marketing",
	"operations", "product", "finance", "strategy", "owner",
}

func looksLikeTitle(s string) bool {
	low := strings.ToLower(s)
	for _, w := range titleWords {
		if strings.Contains(low, w) {
			return true
		}
	}
	return false
}

// seedPriority orders crawl paths: people-bearing pages first.
var seedPriority = map[string]int{
	"/team": 0, "/our-team": 0, "/people": 0, "/leadership": 0,
	"/about": 1, "/about-us": 1, "/company": 1,
	"/contact": 2,
	"/": 3,
}

// OrderSeedPaths sorts configured seed paths by extraction value.
// Unknown paths keep their configured order after the known ones.
func OrderSeedPaths(paths []string) []string {
	out := make([]string, len(paths))
	copy(out, paths)
	sort.SliceStable(out, func(i, j int) bool {
		return seedRank(out[i]) < seedRank(out[j])
	})
	return out
}

func seedRank(p string) int {
	low := strings.ToLower(p)
	if r, ok := seedPriority[low]; ok {
		return r
	}
	if trimmed := strings.TrimRight(low, "/"); trimmed != "" {
		if r, ok := seedPriority[trimmed]; ok {
			return r
		}
	}
	return 4
}

// skipPathTokens mark press-release and job-board style pages that
// yield noisy people candidates (authors, applicants, quoted names).
var skipPathTokens = []string{
	"/press", "/news", "/blog", "/media", "/careers/", "/jobs/",
	"/job/", "/vacancy", "/events",
}

// ShouldExtract reports whether a page is worth running the extractor
// on. Seed pages always qualify; discovered links are filtered.
func ShouldExtract(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	low := strings.ToLower(u.Path)
	for _, tok := range skipPathTokens {
		if strings.Contains(low+"/", tok) {
			return false
		}
	}
	return true
}

// SameHostLinks returns in-domain links found on a page, normalized and
// deduplicated, for crawl frontier expansion.
var hrefRe = regexp.MustCompile(`(?i)href\s*=\s*["']([^"'#]+)["']`)

func SameHostLinks(pageURL string, html []byte) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, m := range hrefRe.FindAllStringSubmatch(string(html), -1) {
		ref, err := url.Parse(strings.TrimSpace(m[1]))
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if abs.Hostname() != base.Hostname() {
			continue
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		abs.Fragment = ""
		key := abs.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
