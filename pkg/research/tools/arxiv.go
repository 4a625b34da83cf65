package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mikeboe/apollo/pkg/research"
)

const arxivURL = "https://export.arxiv.org/api/query"

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string        `xml:"id"`
	Title     string        `xml:"title"`
	Summary   string        `xml:"summary"`
	Published string        `xml:"published"`
	Authors   []ArxivAuthor `xml:"author"`
	Link      []ArxivLink   `xml:"link"`
}

// ArxivAuthor struct to hold arXiv author data
type ArxivAuthor struct {
	Name string `xml:"name"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// Arxiv is a research.SearchProvider over the arXiv Atom API.
type Arxiv struct {
	client     *http.Client
	baseURL    string
	maxResults int
	logger     *slog.Logger
}

// NewArxiv creates an arXiv search provider returning up to maxResults
// entries per query.
func NewArxiv(maxResults int, logger *slog.Logger) *Arxiv {
	if maxResults <= 0 {
		maxResults = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Arxiv{
		client:     &http.Client{Timeout: 30 * time.Second},
		baseURL:    arxivURL,
		maxResults: maxResults,
		logger:     logger,
	}
}

// Search queries arXiv and returns one result per entry. The URL of a result
// is the entry's PDF link when present.
func (a *Arxiv) Search(ctx context.Context, query string) ([]research.SearchResult, error) {
	params := url.Values{}
	params.Add("search_query", query)
	params.Add("max_results", strconv.Itoa(a.maxResults))
	params.Add("start", "0")
	apiURL := a.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		a.logger.Error("API returned non-200 status code", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("API returned non-200 status code: %d", resp.StatusCode)
	}

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}

	results := make([]research.SearchResult, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		results = append(results, entry.result())
	}
	a.logger.Info("arXiv search complete", "query", query, "results", len(results))
	return results, nil
}

func (e ArxivEntry) result() research.SearchResult {
	link := strings.TrimSpace(e.ID)
	for _, l := range e.Link {
		if l.Type == "application/pdf" {
			link = l.Href
			break
		}
	}

	authors := make([]string, 0, len(e.Authors))
	for _, a := range e.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			authors = append(authors, name)
		}
	}

	return research.SearchResult{
		Title:     collapseSpace(e.Title),
		URL:       link,
		Snippet:   collapseSpace(e.Summary),
		Author:    strings.Join(authors, ", "),
		Published: strings.TrimSpace(e.Published),
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FormatResults renders results as Markdown for an agent to read.
func FormatResults(query string, results []research.SearchResult) string {
	if len(results) == 0 {
		return "No results found for query: " + query
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "# Title: %s\n", r.Title)
		fmt.Fprintf(&b, "## Summary: %s\n", r.Snippet)
		if r.Author != "" {
			fmt.Fprintf(&b, "## Authors: %s\n", r.Author)
		}
		if r.Published != "" {
			fmt.Fprintf(&b, "## Published: %s\n", r.Published)
		}
		fmt.Fprintf(&b, "## Link: %s\n\n", r.URL)
	}
	return b.String()
}
