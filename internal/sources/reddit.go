package sources

import (
	"context"
	"time"

	"stashd/internal/domain"
)

const (
	DefaultRedditURL = "https://www.reddit.com/api/info.json"
	redditBase       = "https://www.reddit.com"
)

// Reddit looks up submissions of a URL.
type Reddit struct {
	Client  *Client
	BaseURL string
}

func (r *Reddit) Name() string { return "reddit" }

type redditResponse struct {
	Data struct {
		Children []struct {
			Data struct {
				Title       string  `json:"title"`
				Permalink   string  `json:"permalink"`
				Subreddit   string  `json:"subreddit"`
				NumComments int     `json:"num_comments"`
				Score       int     `json:"score"`
				CreatedUTC  float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (r *Reddit) Find(ctx context.Context, link string) ([]domain.Discussion, error) {
	base := r.BaseURL
	if base == "" {
		base = DefaultRedditURL
	}
	var out redditResponse
	if err := r.Client.getJSON(ctx, r.Name(), base, map[string]string{"url": link}, &out); err != nil {
		return nil, err
	}
	ds := make([]domain.Discussion, 0, len(out.Data.Children))
	for _, c := range out.Data.Children {
		d := c.Data
		ds = append(ds, domain.Discussion{
			Source:    r.Name(),
			Title:     d.Title,
			URL:       redditBase + d.Permalink,
			Comments:  d.NumComments,
			Points:    d.Score,
			CreatedAt: time.Unix(int64(d.CreatedUTC), 0).UTC(),
		})
	}
	return ds, nil
}
