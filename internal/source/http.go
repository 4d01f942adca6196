package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"
	"golang.org/x/net/html"
)

// beforehand is an optional pre-step executed once before a source's main
// fetch; its failure aborts the whole invocation for that run.
type beforehand struct {
	URL    string            `yaml:"url"`
	Params map[string]string `yaml:"params"`
}

// do posts the configured parameters (typically login credentials). The
// client's cookie jar retains any session cookie for the fetches that follow.
func (b *beforehand) do(ctx context.Context, client *http.Client) error {
	form := url.Values{}
	for k, v := range b.Params {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", res.StatusCode, b.URL)
	}
	return nil
}

func httpClient(timeoutSecs float64) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: timeoutOrDefault(timeoutSecs),
		Jar:     jar,
	}
}

// httpGet issues a GET and verifies the status code. The caller owns the
// response body.
func httpGet(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func filenameFromURL(rawURL string) string {
	// Query strings and fragments are not part of the filename; a URL like
	// .../file.dat?token=x lands as file.dat.
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		rawURL = u.Path
	}
	trimmed := strings.TrimRight(rawURL, "/")
	return trimmed[strings.LastIndexByte(trimmed, '/')+1:]
}

type httpFilesSpec struct {
	URL               string      `yaml:"url"`
	URLs              []string    `yaml:"urls"`
	TargetDir         string      `yaml:"target_dir"`
	ConnectionTimeout float64     `yaml:"connection_timeout"`
	Beforehand        *beforehand `yaml:"beforehand"`
}

func (s *httpFilesSpec) allURLs() []string {
	all := append([]string{}, s.URLs...)
	if s.URL != "" {
		all = append(all, s.URL)
	}
	return all
}

// HTTPFiles fetches a fixed literal list of URLs, re-downloading unchanging
// URLs whose remote content updates in place.
type HTTPFiles struct {
	spec httpFilesSpec
}

func newHTTPFiles(node *yaml.Node) (Source, error) {
	var s httpFilesSpec
	if err := node.Decode(&s); err != nil {
		return nil, err
	}
	if len(s.allURLs()) == 0 {
		return nil, fmt.Errorf("requires either 'url' or 'urls'")
	}
	if s.TargetDir == "" {
		return nil, fmt.Errorf("no target_dir given")
	}
	return &HTTPFiles{spec: s}, nil
}

func (h *HTTPFiles) Fetch(ctx context.Context, d *Delivery) error {
	client := httpClient(h.spec.ConnectionTimeout)
	if h.spec.Beforehand != nil {
		if err := h.spec.Beforehand.do(ctx, client); err != nil {
			return fetchErrf(err, "beforehand action failed")
		}
	}
	for _, u := range h.spec.allURLs() {
		err := d.Land(u, h.spec.TargetDir, filenameFromURL(u), true, func(w io.Writer) error {
			return streamURL(ctx, client, u, w)
		})
		if err != nil {
			// One bad URL does not abort the remaining list.
			d.Log.Warn().Err(err).Str("url", u).Msg("transfer failed")
			d.Reporter.FileError(u, err)
		}
	}
	return nil
}

func streamURL(ctx context.Context, client *http.Client, rawURL string, w io.Writer) error {
	res, err := httpGet(ctx, client, rawURL)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", res.StatusCode, rawURL)
	}
	_, err = io.Copy(w, res.Body)
	return err
}

type httpDirectorySpec struct {
	URL               string      `yaml:"url"`
	URLs              []string    `yaml:"urls"`
	TargetDir         string      `yaml:"target_dir"`
	NamePattern       string      `yaml:"name_pattern"`
	ConnectionTimeout float64     `yaml:"connection_timeout"`
	Beforehand        *beforehand `yaml:"beforehand"`
}

// HTTPDirectory scrapes an HTTP listing page and fetches every linked file
// whose name matches the configured pattern.
type HTTPDirectory struct {
	spec    httpDirectorySpec
	urls    []string
	pattern *regexp.Regexp
}

func newHTTPDirectory(node *yaml.Node) (Source, error) {
	var s httpDirectorySpec
	if err := node.Decode(&s); err != nil {
		return nil, err
	}
	urls := append([]string{}, s.URLs...)
	if s.URL != "" {
		urls = append(urls, s.URL)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("requires either 'url' or 'urls'")
	}
	if s.TargetDir == "" {
		return nil, fmt.Errorf("no target_dir given")
	}
	if s.NamePattern == "" {
		s.NamePattern = ".*"
	}
	pattern, err := regexp.Compile(s.NamePattern)
	if err != nil {
		return nil, fmt.Errorf("name_pattern: %w", err)
	}
	return &HTTPDirectory{spec: s, urls: urls, pattern: pattern}, nil
}

func (h *HTTPDirectory) Fetch(ctx context.Context, d *Delivery) error {
	client := httpClient(h.spec.ConnectionTimeout)
	if h.spec.Beforehand != nil {
		if err := h.spec.Beforehand.do(ctx, client); err != nil {
			return fetchErrf(err, "beforehand action failed")
		}
	}
	for _, u := range h.urls {
		if err := h.fetchListing(ctx, client, u, d); err != nil {
			return err
		}
	}
	return nil
}

func (h *HTTPDirectory) fetchListing(ctx context.Context, client *http.Client, listingURL string, d *Delivery) error {
	res, err := httpGet(ctx, client, listingURL)
	if err != nil {
		return fetchErrf(err, "fetch listing %s", listingURL)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		// Day-partitioned listings often don't exist yet.
		d.Log.Debug().Str("url", listingURL).Msg("listing page doesn't exist yet; skipping")
		return nil
	}
	if res.StatusCode != http.StatusOK {
		return fetchErrf(nil, "status %d from listing %s", res.StatusCode, listingURL)
	}

	// Links are resolved against the final URL after redirects.
	base := res.Request.URL
	entries, err := listingEntries(res.Body, base)
	if err != nil {
		return fetchErrf(err, "parse listing %s", listingURL)
	}

	for _, e := range entries {
		if !h.pattern.MatchString(e.name) {
			d.Log.Debug().Str("name", e.name).Msg("name doesn't match pattern; skipping")
			continue
		}
		name, fileURL := e.name, e.url
		err := d.Land(fileURL, h.spec.TargetDir, name, false, func(w io.Writer) error {
			return streamURL(ctx, client, fileURL, w)
		})
		if err != nil {
			d.Log.Warn().Err(err).Str("url", fileURL).Msg("transfer failed")
			d.Reporter.FileError(fileURL, err)
		}
	}
	return nil
}

type listingEntry struct {
	name string
	url  string
}

// listingEntries extracts file links from an HTML listing page. Anchors whose
// href does not end with their text are decoration (sort toggles, parent
// links), not files.
func listingEntries(r io.Reader, base *url.URL) ([]listingEntry, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	var entries []listingEntry
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var href string
			for _, a := range n.Attr {
				if a.Key == "href" {
					href = a.Val
					break
				}
			}
			name := strings.TrimSpace(textContent(n))
			if href != "" && name != "" && strings.HasSuffix(href, name) {
				if u, err := url.Parse(href); err == nil {
					entries = append(entries, listingEntry{name: name, url: base.ResolveReference(u).String()})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return entries, nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
