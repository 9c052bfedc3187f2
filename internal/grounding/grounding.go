// Package grounding talks to the external LLM-grounding collaborator. The
// engine sends ranked issue candidates with their evidence and receives
// natural-language summaries keyed by candidate id. The collaborator may
// return zero results or reference unknown ids; both are tolerated and
// unknown ids are simply dropped.
package grounding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/engine/issue"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

// Summarizer produces summaries keyed by issue id.
type Summarizer interface {
	Summarize(ctx context.Context, issues []model.Issue) (map[string]string, error)
}

// Client is the HTTP Summarizer implementation.
type Client struct {
	endpoint string
	client   *http.Client
}

// New builds a grounding client; a nil return means grounding is disabled.
func New(cfg config.GroundingCfg) *Client {
	if cfg.Endpoint == "" {
		return nil
	}
	timeout := 30 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &Client{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type candidate struct {
	ID       string          `json:"id"`
	Text     string          `json:"text"`
	Evidence *model.Evidence `json:"evidence,omitempty"`
}

type summarizeRequest struct {
	Candidates []candidate `json:"candidates"`
}

type summarizeResponse struct {
	Summaries map[string]string `json:"summaries"`
}

// Summarize posts the candidates and returns summaries keyed by id.
func (c *Client) Summarize(ctx context.Context, issues []model.Issue) (map[string]string, error) {
	if len(issues) == 0 {
		return map[string]string{}, nil
	}
	req := summarizeRequest{Candidates: make([]candidate, 0, len(issues))}
	for _, iss := range issues {
		req.Candidates = append(req.Candidates, candidate{
			ID:       iss.ID,
			Text:     issue.SummaryText(iss),
			Evidence: iss.Evidence,
		})
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("grounding endpoint returned %d", resp.StatusCode)
	}

	var sr summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode summaries: %w", err)
	}
	if sr.Summaries == nil {
		sr.Summaries = map[string]string{}
	}
	return sr.Summaries, nil
}

// Apply merges summaries into the issues by id. Summaries referencing ids not
// present in the slice are dropped; issues with no summary keep an empty one.
func Apply(issues []model.Issue, summaries map[string]string) []model.Issue {
	if len(summaries) == 0 {
		return issues
	}
	for i := range issues {
		if s, ok := summaries[issues[i].ID]; ok {
			issues[i].Summary = s
		}
	}
	return issues
}

// Ground is the convenience wrapper used by the pipeline: it summarizes and
// applies, degrading to ungrounded issues on any collaborator failure.
func Ground(ctx context.Context, s Summarizer, issues []model.Issue) []model.Issue {
	if s == nil || len(issues) == 0 {
		return issues
	}
	summaries, err := s.Summarize(ctx, issues)
	if err != nil {
		log.Warn().Err(err).Msg("grounding failed; emitting issues without summaries")
		return issues
	}
	return Apply(issues, summaries)
}
