// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/buildinfo"
	"github.com/autobrr/gamarr/internal/release"
)

const (
	maxTorrentDownloadBytes int64 = 16 << 20
	maxFeedBytes            int64 = 32 << 20
)

// Torznab/Newznab categories searched when an indexer has none configured.
const (
	CategoryConsole = 1000
	CategoryPCGames = 4050
)

var DefaultCategories = []int{CategoryPCGames, CategoryConsole}

// DownloadError represents an HTTP error from an indexer endpoint.
// It preserves the status code for rate-limit detection and retry logic.
type DownloadError struct {
	StatusCode int
	URL        string
	// RetryAfter is the delay the indexer asked for, zero if it sent none.
	RetryAfter time.Duration
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("request to %s returned status %d", redactAPIKey(e.URL), e.StatusCode)
}

func (e *DownloadError) Is(target error) bool {
	_, ok := target.(*DownloadError)
	return ok
}

// IsRateLimited returns true if this error indicates rate limiting (HTTP 429).
func (e *DownloadError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func newDownloadError(resp *http.Response, endpoint string, now time.Time) *DownloadError {
	e := &DownloadError{StatusCode: resp.StatusCode, URL: endpoint}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	}
	return e
}

// parseRetryAfter accepts both delay-seconds and an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func redactAPIKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("apikey") {
		q.Set("apikey", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Client speaks the Torznab/Newznab API of a single endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// apiURL builds the api endpoint. Base URLs ending in /api are used as is.
func (c *Client) apiURL(params url.Values) (string, error) {
	endpoint := c.baseURL
	if !strings.HasSuffix(endpoint, "/api") {
		endpoint += "/api"
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "parse indexer url")
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (c *Client) get(ctx context.Context, params url.Values, limit int64) ([]byte, error) {
	endpoint, err := c.apiURL(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build indexer request")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "indexer request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, newDownloadError(resp, endpoint, time.Now())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "read indexer response")
	}
	if int64(len(body)) > limit {
		return nil, errors.Errorf("indexer response exceeded %d bytes", limit)
	}
	return body, nil
}

// Search runs one query. Empty feeds are not errors.
func (c *Client) Search(ctx context.Context, q release.Query) ([]Result, error) {
	params := url.Values{}
	params.Set("t", "search")
	switch q.Kind {
	case release.QueryIdentifier:
		if q.SteamAppID > 0 {
			params.Set("steamid", strconv.FormatInt(q.SteamAppID, 10))
		}
		if q.IGDBID > 0 {
			params.Set("igdbid", strconv.FormatInt(q.IGDBID, 10))
		}
	default:
		params.Set("q", q.Term)
	}
	if len(q.Categories) > 0 {
		cats := make([]string, len(q.Categories))
		for i, cat := range q.Categories {
			cats[i] = strconv.Itoa(cat)
		}
		params.Set("cat", strings.Join(cats, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	body, err := c.get(ctx, params, maxFeedBytes)
	if err != nil {
		return nil, err
	}
	return parseFeed(body)
}

// FetchCaps retrieves the caps document.
func (c *Client) FetchCaps(ctx context.Context) (*Caps, error) {
	params := url.Values{}
	params.Set("t", "caps")
	body, err := c.get(ctx, params, maxFeedBytes)
	if err != nil {
		return nil, err
	}
	return parseCaps(body)
}

// Download retrieves the raw torrent or nzb bytes for the provided download URL.
func (c *Client) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	if strings.TrimSpace(downloadURL) == "" {
		return nil, errors.New("download URL is required")
	}

	// Normalise relative URLs
	if !strings.HasPrefix(downloadURL, "http://") && !strings.HasPrefix(downloadURL, "https://") {
		downloadURL = c.baseURL + "/" + strings.TrimLeft(downloadURL, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	req.Header.Set("Accept", "application/x-bittorrent, application/x-nzb, application/octet-stream")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	if c.apiKey != "" && !strings.Contains(downloadURL, "apikey=") {
		query := req.URL.Query()
		query.Set("apikey", c.apiKey)
		req.URL.RawQuery = query.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "release download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, newDownloadError(resp, req.URL.String(), time.Now())
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentDownloadBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read release body")
	}
	if int64(len(data)) > maxTorrentDownloadBytes {
		return nil, errors.Errorf("release download exceeded %d bytes limit", maxTorrentDownloadBytes)
	}
	return data, nil
}

// Result is one feed item.
type Result struct {
	Title       string
	GUID        string
	Link        string
	Details     string
	MagnetURI   string
	InfoHash    string
	PublishDate time.Time
	Size        int64
	Seeders     int
	Peers       int
	Categories  []int
	// Attributes stores every torznab/newznab attr with lowercase keys.
	Attributes map[string]string
}

type rssFeed struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title     string   `xml:"title"`
	GUID      string   `xml:"guid"`
	Link      string   `xml:"link"`
	Comments  string   `xml:"comments"`
	PubDate   string   `xml:"pubDate"`
	Size      string   `xml:"size"`
	Category  []string `xml:"category"`
	Enclosure struct {
		URL    string `xml:"url,attr"`
		Length string `xml:"length,attr"`
	} `xml:"enclosure"`
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

type feedError struct {
	XMLName     xml.Name `xml:"error"`
	Code        int      `xml:"code,attr"`
	Description string   `xml:"description,attr"`
}

func parseFeed(body []byte) ([]Result, error) {
	var apiErr feedError
	if xml.Unmarshal(body, &apiErr) == nil && apiErr.XMLName.Local == "error" {
		return nil, errors.Errorf("indexer error %d: %s", apiErr.Code, apiErr.Description)
	}

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, errors.Wrap(err, "decode indexer feed")
	}

	results := make([]Result, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		r := Result{
			Title:   strings.TrimSpace(item.Title),
			GUID:    strings.TrimSpace(item.GUID),
			Link:    item.Enclosure.URL,
			Details: item.Comments,
		}
		if r.Link == "" {
			r.Link = item.Link
		}
		if r.GUID == "" {
			r.GUID = r.Link
		}

		if size, err := strconv.ParseInt(item.Size, 10, 64); err == nil {
			r.Size = size
		} else if size, err := strconv.ParseInt(item.Enclosure.Length, 10, 64); err == nil {
			r.Size = size
		}

		if item.PubDate != "" {
			if t, err := time.Parse(time.RFC1123Z, item.PubDate); err == nil {
				r.PublishDate = t
			} else if t, err := time.Parse(time.RFC1123, item.PubDate); err == nil {
				r.PublishDate = t
			}
		}

		for _, c := range item.Category {
			if id, err := strconv.Atoi(strings.TrimSpace(c)); err == nil {
				r.Categories = append(r.Categories, id)
			}
		}

		attrs := make(map[string]string, len(item.Attrs))
		for _, attr := range item.Attrs {
			name := strings.ToLower(strings.TrimSpace(attr.Name))
			if name == "" {
				continue
			}
			attrs[name] = attr.Value
			switch name {
			case "seeders":
				if v, err := strconv.Atoi(attr.Value); err == nil {
					r.Seeders = v
				}
			case "peers":
				if v, err := strconv.Atoi(attr.Value); err == nil {
					r.Peers = v
				}
			case "size":
				if r.Size == 0 {
					if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
						r.Size = v
					}
				}
			case "infohash":
				r.InfoHash = strings.ToLower(attr.Value)
			case "magneturl":
				r.MagnetURI = attr.Value
			case "category":
				if id, err := strconv.Atoi(attr.Value); err == nil && !containsInt(r.Categories, id) {
					r.Categories = append(r.Categories, id)
				}
			}
		}
		r.Attributes = attrs

		if strings.HasPrefix(strings.ToLower(r.Link), "magnet:") && r.MagnetURI == "" {
			r.MagnetURI = r.Link
		}

		results = append(results, r)
	}
	return results, nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Caps is the subset of the caps document the search dispatcher needs.
type Caps struct {
	SearchAvailable bool
	SupportedParams []string
	Categories      []int
}

// SupportsIdentifierSearch reports whether the search function accepts a store or catalog id.
func (c *Caps) SupportsIdentifierSearch() bool {
	for _, p := range c.SupportedParams {
		switch p {
		case "steamid", "igdbid":
			return true
		}
	}
	return false
}

type capsDocument struct {
	Searching struct {
		Search struct {
			Available       string `xml:"available,attr"`
			SupportedParams string `xml:"supportedParams,attr"`
		} `xml:"search"`
	} `xml:"searching"`
	Categories struct {
		Category []struct {
			ID     int `xml:"id,attr"`
			Subcat []struct {
				ID int `xml:"id,attr"`
			} `xml:"subcat"`
		} `xml:"category"`
	} `xml:"categories"`
}

func parseCaps(body []byte) (*Caps, error) {
	var doc capsDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "decode caps document")
	}

	caps := &Caps{SearchAvailable: strings.EqualFold(doc.Searching.Search.Available, "yes")}
	for _, p := range strings.Split(doc.Searching.Search.SupportedParams, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			caps.SupportedParams = append(caps.SupportedParams, p)
		}
	}
	for _, cat := range doc.Categories.Category {
		caps.Categories = append(caps.Categories, cat.ID)
		for _, sub := range cat.Subcat {
			caps.Categories = append(caps.Categories, sub.ID)
		}
	}
	return caps, nil
}
