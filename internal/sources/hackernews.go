package sources

import (
	"context"
	"time"

	"stashd/internal/domain"
)

const (
	DefaultHackerNewsURL = "https://hn.algolia.com/api/v1/search"
	hnItemURL            = "https://news.ycombinator.com/item?id="
)

// HackerNews searches stories by URL through the Algolia API.
type HackerNews struct {
	Client  *Client
	BaseURL string
}

func (h *HackerNews) Name() string { return "hackernews" }

type hnResponse struct {
	Hits []struct {
		ObjectID    string `json:"objectID"`
		Title       string `json:"title"`
		URL         string `json:"url"`
		NumComments int    `json:"num_comments"`
		Points      int    `json:"points"`
		CreatedAtI  int64  `json:"created_at_i"`
	} `json:"hits"`
}

func (h *HackerNews) Find(ctx context.Context, link string) ([]domain.Discussion, error) {
	base := h.BaseURL
	if base == "" {
		base = DefaultHackerNewsURL
	}
	var out hnResponse
	err := h.Client.getJSON(ctx, h.Name(), base, map[string]string{
		"query":                        link,
		"restrictSearchableAttributes": "url",
		"tags":                         "story",
	}, &out)
	if err != nil {
		return nil, err
	}
	ds := make([]domain.Discussion, 0, len(out.Hits))
	for _, hit := range out.Hits {
		if hit.URL != link {
			continue
		}
		ds = append(ds, domain.Discussion{
			Source:    h.Name(),
			Title:     hit.Title,
			URL:       hnItemURL + hit.ObjectID,
			Comments:  hit.NumComments,
			Points:    hit.Points,
			CreatedAt: time.Unix(hit.CreatedAtI, 0).UTC(),
		})
	}
	return ds, nil
}
