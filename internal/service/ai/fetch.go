package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const (
	WebSearchHTTPTimeout = 10 * time.Second
	maxFetchBodySize     = 512 * 1024
	maxFetchTextSize     = 16 * 1024
)

// fetchPage downloads target and returns its readable text. HTML pages are
// reduced to their visible text; other text types are returned as-is.
func fetchPage(ctx context.Context, client *http.Client, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("only http and https urls can be fetched")
	}
	if client == nil {
		client = &http.Client{Timeout: WebSearchHTTPTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "MikuAI-WebSearch/1.0")
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", u.Host, resp.Status)
	}

	body := io.LimitReader(resp.Body, maxFetchBodySize)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var text string
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		text, err = visibleText(body)
	} else {
		var raw []byte
		raw, err = io.ReadAll(body)
		text = string(raw)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", u.Host, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("page has no readable text")
	}
	return truncateText(text, maxFetchTextSize), nil
}

// truncateText cuts text to at most limit bytes without splitting a rune.
func truncateText(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n[truncated]"
}

// visibleText walks an HTML document and joins its text nodes, one block
// element per line.
func visibleText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "svg", "iframe", "template":
				return
			case "p", "div", "li", "br", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "title":
				sb.WriteByte('\n')
			}
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				sb.WriteString(s)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	lines := strings.Split(sb.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
