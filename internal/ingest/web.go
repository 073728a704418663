package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/kbgateway/backend/pkg/logger"
)

var whitespaceRE = regexp.MustCompile(`\s+`)

// Crawler fetches a page and a bounded set of same-host links. Depth
// and link count are hard caps so a crawl can never run away.
type Crawler struct {
	httpClient *http.Client
	maxDepth   int
	maxLinks   int
}

type Page struct {
	URL  string
	Text string
}

func NewCrawler(maxDepth, maxLinks int) *Crawler {
	if maxDepth < 0 {
		maxDepth = 0
	}
	if maxLinks < 0 {
		maxLinks = 0
	}
	return &Crawler{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxDepth:   maxDepth,
		maxLinks:   maxLinks,
	}
}

// Crawl visits startURL plus at most maxLinks same-host pages within
// maxDepth hops, breadth-first.
func (c *Crawler) Crawl(ctx context.Context, startURL string) ([]Page, error) {
	start, err := url.Parse(startURL)
	if err != nil || !start.IsAbs() {
		return nil, fmt.Errorf("invalid url %q", startURL)
	}

	type target struct {
		url   *url.URL
		depth int
	}

	queue := []target{{url: start, depth: 0}}
	visited := map[string]bool{start.String(): true}
	var pages []Page
	followed := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		next := queue[0]
		queue = queue[1:]

		text, links, err := c.fetchPage(ctx, next.url.String())
		if err != nil {
			logger.Warn("Failed to fetch page",
				zap.String("url", next.url.String()),
				zap.Error(err),
			)
			continue
		}

		if text != "" {
			pages = append(pages, Page{URL: next.url.String(), Text: text})
		}

		if next.depth >= c.maxDepth {
			continue
		}

		for _, link := range links {
			if followed >= c.maxLinks {
				break
			}
			resolved := next.url.ResolveReference(link)
			resolved.Fragment = ""
			if resolved.Host != start.Host {
				continue
			}
			key := resolved.String()
			if visited[key] {
				continue
			}
			visited[key] = true
			followed++
			queue = append(queue, target{url: resolved, depth: next.depth + 1})
		}
	}

	logger.Info("Crawl completed",
		zap.String("start", startURL),
		zap.Int("pages", len(pages)),
	)

	return pages, nil
}

func (c *Crawler) fetchPage(ctx context.Context, pageURL string) (string, []*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("User-Agent", "kb-gateway/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse html: %w", err)
	}

	var links []*url.URL
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil || u.Scheme == "javascript" || u.Scheme == "mailto" {
			return
		}
		links = append(links, u)
	})

	return cleanDocument(doc), links, nil
}

// cleanDocument strips chrome elements and collapses whitespace,
// leaving the page's readable text.
func cleanDocument(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, header, aside, noscript, iframe").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	text = whitespaceRE.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// SourceNameForURL derives the staged-file name for crawled content.
// Path separators, dots and quotes are stripped the same way for the
// same URL every time.
func SourceNameForURL(rawURL string) string {
	re := regexp.MustCompile(`[./\\:"']`)
	name := re.ReplaceAllString(rawURL, "")
	if name == "" {
		name = "web-page"
	}
	return name + ".txt"
}
