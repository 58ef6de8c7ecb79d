package riskfeed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"medgate/pkg/httpx"
	"medgate/pkg/models"
	"medgate/pkg/risk"
	"medgate/pkg/rules"
	"medgate/pkg/store"
)

// Profile is one subject's view from the behavioral scoring service.
type Profile struct {
	SubjectID string                  `json:"subject_id"`
	Score     float64                 `json:"risk_score"`
	Level     string                  `json:"risk_level"`
	Behavior  models.BehaviorSnapshot `json:"behavior_metrics"`
	Fallback  bool                    `json:"-"`
}

// FallbackProfile is returned whenever the scoring service cannot answer
// in time. Evaluation proceeds at medium risk rather than blocking.
func FallbackProfile(subjectID string) Profile {
	return Profile{
		SubjectID: subjectID,
		Score:     rules.FallbackRiskScore,
		Level:     risk.LevelMedium,
		Fallback:  true,
	}
}

// Client fetches risk profiles over HTTP with a hard per-call deadline
// and a short-TTL cache in front. Profile never returns an error; any
// failure degrades to the fallback profile.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	Cache      store.Cache
	TTL        time.Duration
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	// OnFallback is invoked once per degraded lookup, if set.
	OnFallback func()
}

func New(baseURL string, cache store.Cache) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Cache:      cache,
		TTL:        30 * time.Second,
		Timeout:    2 * time.Second,
		Retries:    1,
		RetryDelay: 100 * time.Millisecond,
	}
}

func (c *Client) cacheKey(subjectID string) string {
	return "riskfeed:" + subjectID
}

// Profile returns the subject's risk profile, from cache when fresh.
// Fallback profiles are never cached so a recovered feed takes effect on
// the next call.
func (c *Client) Profile(ctx context.Context, subjectID string) Profile {
	if c.Cache != nil {
		if raw, err := c.Cache.Get(ctx, c.cacheKey(subjectID)); err == nil && raw != "" {
			var p Profile
			if json.Unmarshal([]byte(raw), &p) == nil {
				return p
			}
		}
	}

	p, ok := c.fetch(ctx, subjectID)
	if !ok {
		if c.OnFallback != nil {
			c.OnFallback()
		}
		return FallbackProfile(subjectID)
	}
	if c.Cache != nil {
		if raw, err := json.Marshal(p); err == nil {
			_ = c.Cache.Set(ctx, c.cacheKey(subjectID), string(raw), c.ttl())
		}
	}
	return p
}

// SubjectScore implements the engine's score source.
func (c *Client) SubjectScore(ctx context.Context, subjectID string) (float64, error) {
	return c.Profile(ctx, subjectID).Score, nil
}

func (c *Client) fetch(ctx context.Context, subjectID string) (Profile, bool) {
	if c.BaseURL == "" {
		return Profile{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	url := c.BaseURL + "/v1/subjects/" + subjectID + "/risk"
	status, body, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodGet, url, nil, nil, c.Retries, c.RetryDelay)
	if err != nil {
		log.Printf("riskfeed: fetch %s failed, using fallback: %v", subjectID, err)
		return Profile{}, false
	}
	if status != http.StatusOK {
		log.Printf("riskfeed: fetch %s returned %d, using fallback", subjectID, status)
		return Profile{}, false
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		log.Printf("riskfeed: bad payload for %s, using fallback: %v", subjectID, err)
		return Profile{}, false
	}
	if p.SubjectID == "" {
		p.SubjectID = subjectID
	}
	if p.Score < 0 {
		p.Score = 0
	}
	if p.Score > 1 {
		p.Score = 1
	}
	if p.Level == "" {
		p.Level = risk.Classify(p.Score)
	}
	return p, true
}

func (c *Client) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return 30 * time.Second
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 2 * time.Second
}
