package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"

	"github.com/kusogaki/gtaquiz/internal/domain"
	"github.com/kusogaki/gtaquiz/internal/errors"
)

const defaultAniListURL = "https://graphql.anilist.co"

// Popularity pages per tier. The source orders by popularity
// descending, so deeper pages hold more obscure titles.
var tierPages = map[domain.Tier][2]int{
	domain.TierEasy:   {1, 2},
	domain.TierMedium: {3, 5},
	domain.TierHard:   {6, 10},
	domain.TierExpert: {11, 20},
}

type AniListConfig struct {
	BaseURL string
	PerPage int
	Client  *http.Client
}

// AniList fetches trivia metadata from the AniList GraphQL API.
// Keys are AniList media IDs encoded as decimal strings.
type AniList struct {
	baseURL string
	perPage int
	client  *http.Client

	// Tier is a property of the popularity page a key was listed on,
	// not of the media record itself, so it is remembered at catalog
	// time and attached on fetch.
	mu    sync.Mutex
	tiers map[string]domain.Tier
}

func NewAniList(c AniListConfig) *AniList {
	if c.BaseURL == "" {
		c.BaseURL = defaultAniListURL
	}
	if c.PerPage <= 0 {
		c.PerPage = 50
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}

	return &AniList{
		baseURL: c.BaseURL,
		perPage: c.PerPage,
		client:  c.Client,
		tiers:   make(map[string]domain.Tier),
	}
}

const mediaQuery = `
query ($id: Int) {
  Media(id: $id, type: ANIME) {
    id
    popularity
    title { romaji english }
    coverImage { large }
    recommendations(perPage: 10, sort: RATING_DESC) {
      nodes { mediaRecommendation { title { romaji english } } }
    }
  }
}`

const pageQuery = `
query ($page: Int, $perPage: Int) {
  Page(page: $page, perPage: $perPage) {
    media(type: ANIME, format: TV, sort: POPULARITY_DESC, status: FINISHED) {
      id
      title { romaji english }
      coverImage { large }
    }
  }
}`

type titleJSON struct {
	Romaji  string `json:"romaji"`
	English string `json:"english"`
}

func (t titleJSON) preferred() string {
	if t.English != "" {
		return t.English
	}
	return t.Romaji
}

type mediaJSON struct {
	ID         int       `json:"id"`
	Title      titleJSON `json:"title"`
	CoverImage struct {
		Large string `json:"large"`
	} `json:"coverImage"`
	Recommendations struct {
		Nodes []struct {
			MediaRecommendation *struct {
				Title titleJSON `json:"title"`
			} `json:"mediaRecommendation"`
		} `json:"nodes"`
	} `json:"recommendations"`
}

// Fetch looks up one media record by key.
func (a *AniList) Fetch(ctx context.Context, key string) (domain.Metadata, error) {
	id, err := strconv.Atoi(key)
	if err != nil {
		return domain.Metadata{}, errors.New(errors.CodeFetchHard,
			errors.WithMessagef("anilist: key %q is not a media ID", key))
	}

	var out struct {
		Media *mediaJSON `json:"Media"`
	}
	if err := a.query(ctx, mediaQuery, map[string]any{"id": id}, &out); err != nil {
		return domain.Metadata{}, err
	}
	if out.Media == nil {
		return domain.Metadata{}, errors.New(errors.CodeFetchHard,
			errors.WithMessagef("anilist: media %q not found", key))
	}

	m := domain.Metadata{
		Key:      key,
		Title:    out.Media.Title.preferred(),
		ImageURL: out.Media.CoverImage.Large,
		Tier:     a.tierFor(key),
	}
	for _, n := range out.Media.Recommendations.Nodes {
		if n.MediaRecommendation == nil {
			continue
		}
		if t := n.MediaRecommendation.Title.preferred(); t != "" {
			m.Distractors = append(m.Distractors, t)
		}
	}

	return m, nil
}

// Catalog lists candidate keys for a tier from a random popularity
// page inside the tier's band.
func (a *AniList) Catalog(ctx context.Context, tier domain.Tier) ([]string, error) {
	band, ok := tierPages[tier.Clamp()]
	if !ok {
		band = tierPages[domain.TierEasy]
	}
	page := band[0] + rand.Intn(band[1]-band[0]+1)

	var out struct {
		Page struct {
			Media []mediaJSON `json:"media"`
		} `json:"Page"`
	}
	if err := a.query(ctx, pageQuery, map[string]any{"page": page, "perPage": a.perPage}, &out); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(out.Page.Media))
	for _, m := range out.Page.Media {
		if m.Title.preferred() == "" || m.CoverImage.Large == "" {
			continue
		}
		key := strconv.Itoa(m.ID)
		a.rememberTier(key, tier)
		keys = append(keys, key)
	}

	return keys, nil
}

func (a *AniList) tierFor(key string) domain.Tier {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tiers[key]; ok {
		return t
	}
	return domain.TierEasy
}

func (a *AniList) rememberTier(key string, t domain.Tier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tiers[key] = t.Clamp()
}

func (a *AniList) query(ctx context.Context, q string, vars map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{"query": q, "variables": vars})
	if err != nil {
		return errors.Internal(fmt.Errorf("anilist: marshal query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return errors.Internal(fmt.Errorf("anilist: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.New(errors.CodeFetchTransient,
			errors.WithMessagef("anilist: request failed"),
			errors.WithCause(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.New(errors.CodeFetchTransient,
			errors.WithMessagef("anilist: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return errors.New(errors.CodeFetchHard,
			errors.WithMessagef("anilist: status %d", resp.StatusCode))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.New(errors.CodeFetchHard,
			errors.WithMessagef("anilist: malformed response"),
			errors.WithCause(err))
	}
	if len(envelope.Errors) > 0 {
		return errors.New(errors.CodeFetchHard,
			errors.WithMessagef("anilist: %s", envelope.Errors[0].Message))
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return errors.New(errors.CodeFetchHard,
			errors.WithMessagef("anilist: malformed data"),
			errors.WithCause(err))
	}

	return nil
}
