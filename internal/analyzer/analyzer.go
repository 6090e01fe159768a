// Package analyzer derives page-level findings from a fetched response.
// Every function here is pure: input is the response headers and HTML, no
// network access happens during analysis.
package analyzer

import (
	"bytes"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Meta is the document's head metadata.
type Meta struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Keywords    string `json:"keywords,omitempty"`
	Canonical   string `json:"canonical,omitempty"`
	Charset     string `json:"charset,omitempty"`
	Favicon     string `json:"favicon,omitempty"`
	Robots      string `json:"robots,omitempty"`
}

// SEO summarizes ranking-relevant page structure.
type SEO struct {
	TitleLength       int  `json:"title_length"`
	DescriptionLength int  `json:"description_length"`
	H1Count           int  `json:"h1_count"`
	H2Count           int  `json:"h2_count"`
	InternalLinks     int  `json:"internal_links"`
	ExternalLinks     int  `json:"external_links"`
	ImagesMissingAlt  int  `json:"images_missing_alt"`
	HasCanonical      bool `json:"has_canonical"`
	HasRobotsMeta     bool `json:"has_robots_meta"`
}

// Content summarizes the body composition.
type Content struct {
	WordCount       int    `json:"word_count"`
	ParagraphCount  int    `json:"paragraph_count"`
	ImageCount      int    `json:"image_count"`
	LinkCount       int    `json:"link_count"`
	ScriptCount     int    `json:"script_count"`
	StylesheetCount int    `json:"stylesheet_count"`
	HasForms        bool   `json:"has_forms"`
	Language        string `json:"language,omitempty"`
}

// Social captures sharing metadata and linked profiles.
type Social struct {
	OGTitle       string   `json:"og_title,omitempty"`
	OGDescription string   `json:"og_description,omitempty"`
	OGImage       string   `json:"og_image,omitempty"`
	TwitterCard   string   `json:"twitter_card,omitempty"`
	Profiles      []string `json:"profiles,omitempty"`
}

// Compliance reports the presence of common legal surface.
type Compliance struct {
	HasPrivacyPolicy bool `json:"has_privacy_policy"`
	HasTerms         bool `json:"has_terms"`
	HasCookieNotice  bool `json:"has_cookie_notice"`
}

// Accessibility is a coarse accessibility posture check.
type Accessibility struct {
	ImagesWithAlt int  `json:"images_with_alt"`
	ImagesTotal   int  `json:"images_total"`
	HasLangAttr   bool `json:"has_lang_attr"`
	HasSkipLink   bool `json:"has_skip_link"`
	AriaCount     int  `json:"aria_count"`
}

// Mobile reports mobile-readiness signals.
type Mobile struct {
	HasViewport       bool   `json:"has_viewport"`
	ViewportContent   string `json:"viewport_content,omitempty"`
	HasAppleTouchIcon bool   `json:"has_apple_touch_icon"`
}

// Business extracts contact surface from the page.
type Business struct {
	Emails         []string `json:"emails,omitempty"`
	Phones         []string `json:"phones,omitempty"`
	HasContactPage bool     `json:"has_contact_page"`
}

// Report bundles every analyzer's findings for one page.
type Report struct {
	Meta            Meta            `json:"meta"`
	SEO             SEO             `json:"seo"`
	Content         Content         `json:"content"`
	Technology      Technology      `json:"technology"`
	SecurityHeaders SecurityHeaders `json:"security_headers"`
	Social          Social          `json:"social"`
	Compliance      Compliance      `json:"compliance"`
	Accessibility   Accessibility   `json:"accessibility"`
	Mobile          Mobile          `json:"mobile"`
	Business        Business        `json:"business"`
	SimilarDomains  SimilarDomains  `json:"similar_domains"`
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+\d{1,3}[-. (]?\d{1,4}[-. )]?\d{2,4}[-. ]?\d{2,6}`)
	wordPattern  = regexp.MustCompile(`\S+`)
)

var socialHosts = []string{
	"facebook.com", "twitter.com", "x.com", "instagram.com",
	"linkedin.com", "youtube.com", "github.com", "tiktok.com",
}

var frameworkSignals = []struct {
	marker string
	name   string
}{
	{"wp-content", "WordPress"},
	{"wp-includes", "WordPress"},
	{"_next/static", "Next.js"},
	{"__NEXT_DATA__", "Next.js"},
	{"/_nuxt/", "Nuxt"},
	{"data-reactroot", "React"},
	{"ng-version", "Angular"},
	{"data-v-app", "Vue"},
	{"Shopify.theme", "Shopify"},
	{"/wp-json/", "WordPress"},
	{"jquery", "jQuery"},
}

// Analyze runs every analyzer over one fetched page. A parse failure still
// yields the header-derived findings.
func Analyze(headers http.Header, html []byte, host string) *Report {
	report := &Report{
		SecurityHeaders: AnalyzeSecurityHeaders(headers),
		Technology: Technology{
			Server:    headers.Get("Server"),
			PoweredBy: headers.Get("X-Powered-By"),
			CDN:       detectCDN(headers),
		},
		SimilarDomains: AnalyzeSimilarDomains(host),
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return report
	}

	report.Meta = analyzeMeta(doc)
	report.SEO = analyzeSEO(doc, report.Meta, host)
	report.Content = analyzeContent(doc)
	report.Social = analyzeSocial(doc)
	report.Compliance = analyzeCompliance(doc)
	report.Accessibility = analyzeAccessibility(doc)
	report.Mobile = analyzeMobile(doc)
	report.Business = analyzeBusiness(doc, host)

	report.Technology.Generator = metaContent(doc, "generator")
	report.Technology.Frameworks = detectFrameworks(html)
	return report
}

func metaContent(doc *goquery.Document, name string) string {
	content, _ := doc.Find(`meta[name="` + name + `"]`).First().Attr("content")
	return strings.TrimSpace(content)
}

func metaProperty(doc *goquery.Document, property string) string {
	content, _ := doc.Find(`meta[property="` + property + `"]`).First().Attr("content")
	return strings.TrimSpace(content)
}

func analyzeMeta(doc *goquery.Document) Meta {
	meta := Meta{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: metaContent(doc, "description"),
		Keywords:    metaContent(doc, "keywords"),
		Robots:      metaContent(doc, "robots"),
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		meta.Canonical = strings.TrimSpace(href)
	}
	if charset, ok := doc.Find("meta[charset]").First().Attr("charset"); ok {
		meta.Charset = strings.ToLower(strings.TrimSpace(charset))
	}
	doc.Find(`link[rel="icon"], link[rel="shortcut icon"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if href, ok := s.Attr("href"); ok {
			meta.Favicon = strings.TrimSpace(href)
			return false
		}
		return true
	})
	return meta
}

func analyzeSEO(doc *goquery.Document, meta Meta, host string) SEO {
	seo := SEO{
		TitleLength:       len(meta.Title),
		DescriptionLength: len(meta.Description),
		H1Count:           doc.Find("h1").Length(),
		H2Count:           doc.Find("h2").Length(),
		HasCanonical:      meta.Canonical != "",
		HasRobotsMeta:     meta.Robots != "",
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
			strings.HasPrefix(href, "javascript:") {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		if u.Host == "" || strings.EqualFold(u.Host, host) ||
			strings.HasSuffix(strings.ToLower(u.Host), "."+strings.ToLower(host)) {
			seo.InternalLinks++
		} else {
			seo.ExternalLinks++
		}
	})
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if alt, ok := s.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			seo.ImagesMissingAlt++
		}
	})
	return seo
}

func analyzeContent(doc *goquery.Document) Content {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	text := body.Text()

	content := Content{
		WordCount:       len(wordPattern.FindAllString(text, -1)),
		ParagraphCount:  doc.Find("p").Length(),
		ImageCount:      doc.Find("img").Length(),
		LinkCount:       doc.Find("a[href]").Length(),
		ScriptCount:     doc.Find("script").Length(),
		StylesheetCount: doc.Find(`link[rel="stylesheet"]`).Length(),
		HasForms:        doc.Find("form").Length() > 0,
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		content.Language = strings.TrimSpace(lang)
	}
	return content
}

func analyzeSocial(doc *goquery.Document) Social {
	social := Social{
		OGTitle:       metaProperty(doc, "og:title"),
		OGDescription: metaProperty(doc, "og:description"),
		OGImage:       metaProperty(doc, "og:image"),
		TwitterCard:   metaContent(doc, "twitter:card"),
	}
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, err := url.Parse(href)
		if err != nil || u.Host == "" {
			return
		}
		hostname := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		for _, sh := range socialHosts {
			if hostname == sh {
				if _, dup := seen[hostname]; !dup {
					seen[hostname] = struct{}{}
					social.Profiles = append(social.Profiles, href)
				}
				return
			}
		}
	})
	return social
}

func analyzeCompliance(doc *goquery.Document) Compliance {
	var c Compliance
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		needle := strings.ToLower(href + " " + s.Text())
		if strings.Contains(needle, "privacy") {
			c.HasPrivacyPolicy = true
		}
		if strings.Contains(needle, "terms") {
			c.HasTerms = true
		}
	})
	lower := strings.ToLower(doc.Text())
	if strings.Contains(lower, "cookie") &&
		(strings.Contains(lower, "consent") || strings.Contains(lower, "accept")) {
		c.HasCookieNotice = true
	}
	return c
}

func analyzeAccessibility(doc *goquery.Document) Accessibility {
	a := Accessibility{
		ImagesTotal: doc.Find("img").Length(),
	}
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if alt, ok := s.Attr("alt"); ok && strings.TrimSpace(alt) != "" {
			a.ImagesWithAlt++
		}
	})
	if lang, ok := doc.Find("html").First().Attr("lang"); ok && strings.TrimSpace(lang) != "" {
		a.HasLangAttr = true
	}
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		text := strings.ToLower(s.Text())
		if strings.HasPrefix(href, "#") && strings.Contains(text, "skip") {
			a.HasSkipLink = true
			return false
		}
		return true
	})
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range s.Nodes[0].Attr {
			if strings.HasPrefix(attr.Key, "aria-") || attr.Key == "role" {
				a.AriaCount++
			}
		}
	})
	return a
}

func analyzeMobile(doc *goquery.Document) Mobile {
	m := Mobile{}
	if content, ok := doc.Find(`meta[name="viewport"]`).First().Attr("content"); ok {
		m.HasViewport = true
		m.ViewportContent = strings.TrimSpace(content)
	}
	m.HasAppleTouchIcon = doc.Find(`link[rel="apple-touch-icon"]`).Length() > 0
	return m
}

func analyzeBusiness(doc *goquery.Document, host string) Business {
	b := Business{}
	html, _ := doc.Html()

	seenEmail := map[string]struct{}{}
	for _, email := range emailPattern.FindAllString(html, -1) {
		email = strings.ToLower(email)
		// Asset filenames match the email shape (logo@2x.png).
		if strings.HasSuffix(email, ".png") || strings.HasSuffix(email, ".jpg") ||
			strings.HasSuffix(email, ".svg") || strings.HasSuffix(email, ".webp") {
			continue
		}
		if _, dup := seenEmail[email]; !dup && len(seenEmail) < 10 {
			seenEmail[email] = struct{}{}
			b.Emails = append(b.Emails, email)
		}
	}

	seenPhone := map[string]struct{}{}
	doc.Find(`a[href^="tel:"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		phone := strings.TrimPrefix(href, "tel:")
		if _, dup := seenPhone[phone]; !dup && phone != "" {
			seenPhone[phone] = struct{}{}
			b.Phones = append(b.Phones, phone)
		}
	})
	if len(b.Phones) == 0 {
		for _, phone := range phonePattern.FindAllString(doc.Text(), -1) {
			if _, dup := seenPhone[phone]; !dup && len(seenPhone) < 5 {
				seenPhone[phone] = struct{}{}
				b.Phones = append(b.Phones, phone)
			}
		}
	}

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if strings.Contains(strings.ToLower(href), "contact") {
			b.HasContactPage = true
			return false
		}
		return true
	})
	return b
}

func detectFrameworks(html []byte) []string {
	lower := strings.ToLower(string(html))
	seen := map[string]struct{}{}
	var found []string
	for _, sig := range frameworkSignals {
		if strings.Contains(lower, strings.ToLower(sig.marker)) {
			if _, dup := seen[sig.name]; !dup {
				seen[sig.name] = struct{}{}
				found = append(found, sig.name)
			}
		}
	}
	return found
}
