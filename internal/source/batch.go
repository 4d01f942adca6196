package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
	"golang.org/x/time/rate"
)

type batchAPISpec struct {
	URL               string            `yaml:"url"`
	Dataset           string            `yaml:"dataset"`
	Request           map[string]string `yaml:"request"`
	Target            string            `yaml:"target"`
	OverrideExisting  bool              `yaml:"override_existing"`
	ConnectionTimeout float64           `yaml:"connection_timeout"`
	PollIntervalSecs  float64           `yaml:"poll_interval"`
}

// BatchAPI submits a structured retrieval request (date range, area,
// parameters) to an ECMWF-style archive API and polls until the requested
// artifact can be downloaded.
type BatchAPI struct {
	spec    batchAPISpec
	limiter *rate.Limiter
}

const defaultPollInterval = 30 * time.Second

func newBatchAPI(node *yaml.Node) (Source, error) {
	var s batchAPISpec
	if err := node.Decode(&s); err != nil {
		return nil, err
	}
	if s.URL == "" {
		return nil, fmt.Errorf("no url given")
	}
	if s.Dataset == "" {
		return nil, fmt.Errorf("no dataset given")
	}
	if s.Target == "" {
		return nil, fmt.Errorf("no target given")
	}
	interval := defaultPollInterval
	if s.PollIntervalSecs > 0 {
		interval = time.Duration(s.PollIntervalSecs * float64(time.Second))
	}
	return &BatchAPI{
		spec: s,
		// The limiter paces status polls so a slow archive job doesn't
		// turn into a request flood.
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

// jobState is the API's view of one submitted retrieval.
type jobState struct {
	Status string `json:"status"`
	Href   string `json:"href"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

func (b *BatchAPI) Fetch(ctx context.Context, d *Delivery) error {
	client := httpClient(b.spec.ConnectionTimeout)

	uri := b.requestURI()
	err := d.Land(uri, path.Dir(b.spec.Target), path.Base(b.spec.Target), b.spec.OverrideExisting, func(w io.Writer) error {
		resultURL, err := b.awaitResult(ctx, client)
		if err != nil {
			return err
		}
		return streamURL(ctx, client, resultURL, w)
	})
	if err != nil {
		// The invocation produces exactly one artifact; a failure leaves
		// nothing to salvage.
		return fetchErrf(err, "batch retrieval for %s", b.spec.Dataset)
	}
	return nil
}

// awaitResult submits the request and polls the returned job until it
// completes, returning the artifact URL.
func (b *BatchAPI) awaitResult(ctx context.Context, client *http.Client) (string, error) {
	state, err := b.submit(ctx, client)
	if err != nil {
		return "", err
	}
	for {
		switch state.Status {
		case "complete":
			if state.Result == "" {
				return "", fmt.Errorf("job complete but no result url given")
			}
			return state.Result, nil
		case "failed", "aborted":
			return "", fmt.Errorf("job %s: %s", state.Status, state.Error)
		}
		if state.Href == "" {
			return "", fmt.Errorf("job %q gave no polling href", state.Status)
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return "", err
		}
		state, err = b.poll(ctx, client, state.Href)
		if err != nil {
			return "", err
		}
	}
}

func (b *BatchAPI) submit(ctx context.Context, client *http.Client) (*jobState, error) {
	body, err := json.Marshal(b.spec.Request)
	if err != nil {
		return nil, err
	}
	submitURL := fmt.Sprintf("%s/datasets/%s/requests", strings.TrimRight(b.spec.URL, "/"), b.spec.Dataset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("status %d submitting to %s", res.StatusCode, submitURL)
	}
	return decodeJobState(res.Body, submitURL)
}

func (b *BatchAPI) poll(ctx context.Context, client *http.Client, href string) (*jobState, error) {
	res, err := httpGet(ctx, client, href)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("status %d polling %s", res.StatusCode, href)
	}
	state, err := decodeJobState(res.Body, href)
	if err != nil {
		return nil, err
	}
	if state.Href == "" {
		state.Href = href
	}
	return state, nil
}

// decodeJobState parses a job document, resolving its links (which some
// deployments emit relative) against the URL it was fetched from.
func decodeJobState(r io.Reader, from string) (*jobState, error) {
	var s jobState
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode job state: %w", err)
	}
	s.Href = resolveRef(from, s.Href)
	s.Result = resolveRef(from, s.Result)
	return &s, nil
}

func resolveRef(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// requestURI synthesizes a log/report identifier for this retrieval.
func (b *BatchAPI) requestURI() string {
	parts := make([]string, 0, len(b.spec.Request))
	for k, v := range b.spec.Request {
		parts = append(parts, k+"="+v)
	}
	return fmt.Sprintf("%s/datasets/%s?%s", b.spec.URL, b.spec.Dataset, strings.Join(parts, "&"))
}
