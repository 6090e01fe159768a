package analyzer

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// SimilarDomains enumerates lookalike registrations an attacker could point
// at users of the inspected host: keyboard typos, confusable-script
// homographs, accented punycode forms and brand-impersonation patterns.
type SimilarDomains struct {
	Discovered    []string `json:"discovered"`
	TotalCount    int      `json:"total_count"`
	Typosquatting []string `json:"typosquatting_variants,omitempty"`
	Homographs    []string `json:"homograph_attacks,omitempty"`
	Punycode      []string `json:"punycode_variants,omitempty"`
	PhishingRisk  []string `json:"phishing_potential,omitempty"`
}

// Ordered so variant generation is deterministic.
var typoSubstitutions = []struct {
	char rune
	subs []string
}{
	{'o', []string{"0", "p"}},
	{'i', []string{"1", "l"}},
	{'l', []string{"1", "i"}},
	{'e', []string{"3", "w"}},
	{'s', []string{"5", "z"}},
	{'g', []string{"6", "q"}},
	{'a', []string{"q", "s"}},
	{'m', []string{"n", "rn"}},
	{'n', []string{"m", "h"}},
	{'c', []string{"e", "o"}},
	{'u', []string{"v", "y"}},
}

// Confusable Cyrillic/Greek characters per Latin letter.
var homographSubstitutions = []struct {
	char rune
	subs []string
}{
	{'a', []string{"а", "ɑ"}},
	{'o', []string{"о", "ο"}},
	{'e', []string{"е", "ε"}},
	{'p', []string{"р", "ρ"}},
	{'c', []string{"с", "ϲ"}},
	{'x', []string{"х", "χ"}},
	{'y', []string{"у", "γ"}},
	{'i', []string{"і", "ι"}},
	{'j', []string{"ј"}},
	{'n', []string{"η"}},
	{'m', []string{"м"}},
	{'h', []string{"н"}},
	{'s', []string{"ѕ"}},
}

var accentSubstitutions = []struct {
	from string
	to   string
}{
	{"a", "à"},
	{"e", "é"},
	{"i", "í"},
	{"o", "ó"},
	{"u", "ú"},
	{"c", "ç"},
	{"n", "ñ"},
}

var wellKnownBrands = []string{
	"google", "facebook", "amazon", "microsoft", "apple", "twitter",
	"instagram", "linkedin", "netflix", "paypal", "ebay", "yahoo",
	"pinterest", "dropbox", "github", "stackoverflow", "wikipedia",
	"reddit", "youtube", "gmail", "outlook", "skype", "slack", "zoom",
	"spotify", "adobe", "salesforce",
}

var brandPrefixes = []string{"secure", "login", "verify"}
var brandSuffixes = []string{"login", "secure", "verify"}
var dangerousTLDs = []string{"tk", "ml", "ga"}

// AnalyzeSimilarDomains derives lookalike domains for a hostname. Pure: no
// registration or DNS checks happen here, the variants are candidates for
// the caller to watch. IP literals and dotless hosts yield nothing.
func AnalyzeSimilarDomains(host string) SimilarDomains {
	similar := SimilarDomains{}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return similar
	}

	label, tld, _ := strings.Cut(host, ".")
	if label == "" || tld == "" {
		return similar
	}

	typos := typosquattingVariants(label, tld)
	similar.Typosquatting = head(typos, 10)
	discovered := head(typos, 5)

	homographs := homographVariants(label, tld)
	similar.Homographs = head(homographs, 8)
	discovered = append(discovered, head(homographs, 3)...)

	punycode := punycodeVariants(label, tld)
	similar.Punycode = head(punycode, 5)
	discovered = append(discovered, head(punycode, 2)...)

	if isWellKnownBrand(label) {
		brand := brandImpersonationVariants(label, tld)
		similar.PhishingRisk = head(brand, 10)
		discovered = append(discovered, head(brand, 3)...)
	}

	seen := map[string]struct{}{}
	for _, domain := range discovered {
		if domain == host {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		similar.Discovered = append(similar.Discovered, domain)
		if len(similar.Discovered) == 20 {
			break
		}
	}
	similar.TotalCount = len(similar.Discovered)
	return similar
}

func head(s []string, n int) []string {
	if len(s) > n {
		s = s[:n]
	}
	return append([]string(nil), s...)
}

func typosquattingVariants(label, tld string) []string {
	var variants []string
	runes := []rune(label)

	// Character substitutions.
	for i, r := range runes {
		for _, entry := range typoSubstitutions {
			if entry.char != r {
				continue
			}
			for _, sub := range entry.subs {
				variants = append(variants, string(runes[:i])+sub+string(runes[i+1:])+"."+tld)
			}
		}
	}
	// Character omissions.
	if len(runes) > 3 {
		for i := range runes {
			variants = append(variants, string(runes[:i])+string(runes[i+1:])+"."+tld)
		}
	}
	// Character duplications.
	for i, r := range runes {
		variants = append(variants, string(runes[:i])+string(r)+string(runes[i:])+"."+tld)
	}
	// Hyphenation.
	if strings.Contains(label, "-") {
		variants = append(variants, strings.ReplaceAll(label, "-", "")+"."+tld)
	} else {
		for i := 1; i < len(runes)-1; i++ {
			variants = append(variants, string(runes[:i])+"-"+string(runes[i:])+"."+tld)
		}
	}
	return head(variants, 25)
}

func homographVariants(label, tld string) []string {
	var variants []string
	runes := []rune(label)
	for i, r := range runes {
		for _, entry := range homographSubstitutions {
			if entry.char != r {
				continue
			}
			for _, sub := range entry.subs {
				variants = append(variants, string(runes[:i])+sub+string(runes[i+1:])+"."+tld)
			}
		}
	}
	return head(variants, 15)
}

func punycodeVariants(label, tld string) []string {
	var variants []string
	for _, accent := range accentSubstitutions {
		candidate := strings.ReplaceAll(label, accent.from, accent.to)
		if candidate == label {
			continue
		}
		encoded, err := idna.ToASCII(candidate)
		if err != nil || !strings.HasPrefix(encoded, "xn--") {
			continue
		}
		variants = append(variants, encoded+"."+tld)
	}
	return head(variants, 10)
}

func isWellKnownBrand(label string) bool {
	for _, brand := range wellKnownBrands {
		if strings.Contains(label, brand) || strings.Contains(brand, label) {
			return true
		}
	}
	return false
}

func brandImpersonationVariants(label, tld string) []string {
	var variants []string
	for _, prefix := range brandPrefixes {
		variants = append(variants, prefix+"-"+label+"."+tld, prefix+label+"."+tld)
	}
	for _, suffix := range brandSuffixes {
		variants = append(variants, label+"-"+suffix+"."+tld, label+suffix+"."+tld)
	}
	for _, danger := range dangerousTLDs {
		variants = append(variants, label+"."+danger)
	}
	return head(variants, 20)
}
