package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"go.yaml.in/yaml/v3"
)

type rssSpec struct {
	URL               string      `yaml:"url"`
	TargetDir         string      `yaml:"target_dir"`
	ConnectionTimeout float64     `yaml:"connection_timeout"`
	Beforehand        *beforehand `yaml:"beforehand"`
}

// RSS fetches the files announced by a feed. Entry titles are assumed to be
// filenames; the download URL is the entry's enclosure when present,
// otherwise its link.
type RSS struct {
	spec rssSpec
}

func newRSS(node *yaml.Node) (Source, error) {
	var s rssSpec
	if err := node.Decode(&s); err != nil {
		return nil, err
	}
	if s.URL == "" {
		return nil, fmt.Errorf("no url given")
	}
	if s.TargetDir == "" {
		return nil, fmt.Errorf("no target_dir given")
	}
	return &RSS{spec: s}, nil
}

// feedDoc is the subset of RSS 2.0 we consume.
type feedDoc struct {
	Channel struct {
		Items []feedItem `xml:"item"`
	} `xml:"channel"`
}

type feedItem struct {
	Title     string `xml:"title"`
	Link      string `xml:"link"`
	Enclosure struct {
		URL string `xml:"url,attr"`
	} `xml:"enclosure"`
}

func (f feedItem) fileURL() string {
	if f.Enclosure.URL != "" {
		return f.Enclosure.URL
	}
	return f.Link
}

// Fetch retrieves the feed document and then each announced file. A feed
// failure aborts the invocation; there is nothing to salvage without it.
func (r *RSS) Fetch(ctx context.Context, d *Delivery) error {
	client := httpClient(r.spec.ConnectionTimeout)
	if r.spec.Beforehand != nil {
		if err := r.spec.Beforehand.do(ctx, client); err != nil {
			return fetchErrf(err, "beforehand action failed")
		}
	}

	res, err := httpGet(ctx, client, r.spec.URL)
	if err != nil {
		return fetchErrf(err, "fetch feed %s", r.spec.URL)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fetchErrf(nil, "status %d from feed %s", res.StatusCode, r.spec.URL)
	}

	var feed feedDoc
	if err := xml.NewDecoder(res.Body).Decode(&feed); err != nil {
		return fetchErrf(err, "parse feed %s", r.spec.URL)
	}

	for _, item := range feed.Channel.Items {
		if item.Title == "" || item.fileURL() == "" {
			d.Log.Debug().Str("title", item.Title).Msg("feed entry without title or url; skipping")
			continue
		}
		fileURL := item.fileURL()
		err := d.Land(fileURL, r.spec.TargetDir, item.Title, false, func(w io.Writer) error {
			return streamURL(ctx, client, fileURL, w)
		})
		if err != nil {
			d.Log.Warn().Err(err).Str("url", fileURL).Msg("transfer failed")
			d.Reporter.FileError(fileURL, err)
		}
	}
	return nil
}
