package extract

import "strings"

// TitleInfo is the normalized form of a raw job title.
type TitleInfo struct {
	Norm       string
	RoleFamily string
	Seniority  string
	ICPScore   float64
}

type titleRule struct {
	tokens     []string
	roleFamily string
	seniority  string
	score      float64
}

// Ordered: first match wins, so C-level rules sit above generic ones.
var titleRules = []titleRule{
	{[]string{"ceo", "chief executive"}, "executive", "c_level", 1.0},
	{[]string{"cto", "chief technology", "chief technical"}, "engineering", "c_level", 1.0},
	{[]string{"cfo", "chief financial"}, "finance", "c_level", 0.9},
	{[]string{"coo", "chief operating"}, "operations", "c_level", 0.9},
	{[]string{"cmo", "chief marketing"}, "marketing", "c_level", 0.9},
	{[]string{"cro", "chief revenue"}, "sales", "c_level", 0.9},
	{[]string{"founder", "co-founder", "cofounder"}, "executive", "c_level", 1.0},
	{[]string{"president"}, "executive", "c_level", 0.9},
	{[]string{"vp", "vice president"}, "", "vp", 0.8},
	{[]string{"director", "head of"}, "", "director", 0.7},
	{[]string{"manager", "lead"}, "", "manager", 0.5},
	{[]string{"engineer", "developer", "architect"}, "engineering", "ic", 0.4},
	{[]string{"sales", "account executive"}, "sales", "ic", 0.4},
	{[]string{"marketing", "growth"}, "marketing", "ic", 0.4},
	{[]string{"recruiter", "talent", "people ops"}, "hr", "ic", 0.3},
	{[]string{"analyst", "scientist"}, "analytics", "ic", 0.3},
}

// familyTokens refine the role family for seniority-only matches
// ("VP of Engineering" needs engineering, not blank).
var familyTokens = map[string]string{
	"engineer": "engineering", "technology": "engineering", "product": "product",
	"sales": "sales", "revenue": "sales", "marketing": "marketing",
	"growth": "marketing", "finance": "finance", "operations": "operations",
	"people": "hr", "talent": "hr", "hr": "hr", "legal": "legal",
}

// NormalizeTitle maps a raw title to its role family, seniority band,
// and ICP score.
func NormalizeTitle(raw string) TitleInfo {
	norm := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	info := TitleInfo{Norm: norm}

	for _, rule := range titleRules {
		for _, tok := range rule.tokens {
			if containsToken(norm, tok) {
				info.RoleFamily = rule.roleFamily
				info.Seniority = rule.seniority
				info.ICPScore = rule.score
				if info.RoleFamily == "" {
					info.RoleFamily = familyFor(norm)
				}
				return info
			}
		}
	}
	info.RoleFamily = familyFor(norm)
	info.Seniority = "unknown"
	info.ICPScore = 0.1
	return info
}

func familyFor(norm string) string {
	for tok, fam := range familyTokens {
		if strings.Contains(norm, tok) {
			return fam
		}
	}
	return "other"
}

// containsToken matches whole words for short acronyms ("cto" must not
// match inside "director") and substrings for longer phrases.
func containsToken(norm, tok string) bool {
	if len(tok) > 4 || strings.Contains(tok, " ") {
		return strings.Contains(norm, tok)
	}
	for _, w := range strings.FieldsFunc(norm, func(r rune) bool {
		return r == ' ' || r == ',' || r == '/' || r == '&' || r == '-'
	}) {
		if w == tok {
			return true
		}
	}
	return false
}
