package toolbox

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jayclf/Volley/internal/queue"
	"github.com/jayclf/Volley/pkg/types"
)

const defaultMaxLinks = 200

// NewLinkRequest fetches an HTML page and delivers its outbound links,
// resolved against the page URL, deduplicated, http(s) only.
func NewLinkRequest(pageURL string, onValue Listener[[]string], onError ErrorListener) *queue.Request {
	return NewTypedRequest(queue.MethodGet, pageURL,
		func(resp *types.NetworkResponse) ([]string, error) {
			return extractLinks(pageURL, resp.Data)
		},
		onValue, onError)
}

func extractLinks(pageURL string, body []byte) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	links := make([]string, 0, defaultMaxLinks)

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return true
		}
		if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return true
		}

		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return true
		}
		key := u.String()
		if _, exists := seen[key]; exists {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, key)
		return len(links) < defaultMaxLinks
	})

	return links, nil
}
