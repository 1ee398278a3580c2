package assetcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverManifest walks the given sitemaps (following nested sitemap
// indexes) and returns every <loc> as an absolute URL, deduplicated and in
// discovery order. Relative sitemap and loc values resolve against base.
func discoverManifest(ctx context.Context, client *http.Client, base *url.URL, sitemaps []string) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, sm)
	}

	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		u, err := resolveURL(base, queue[0])
		queue = queue[1:]
		if err != nil {
			return nil, fmt.Errorf("sitemap url: %w", err)
		}
		smURL := u.String()
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := fetchAndParseSitemap(ctx, client, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}

		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, nested)
			}
		}
		for _, loc := range doc.URLs {
			if loc == "" {
				continue
			}
			lu, err := resolveURL(base, loc)
			if err != nil {
				continue
			}
			s := lu.String()
			if _, ok := seenURLs[s]; ok {
				continue
			}
			seenURLs[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out, nil
}

func fetchAndParseSitemap(ctx context.Context, client *http.Client, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may arrive already decoded when the server also sets
	// Content-Encoding, so sniff the magic bytes too.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
