package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// CardError wraps card fetch/validation failures so callers can surface
// them as input problems rather than server faults.
type CardError struct{ msg string }

func (e *CardError) Error() string { return e.msg }

func cardErrorf(format string, args ...any) error {
	return &CardError{msg: fmt.Sprintf(format, args...)}
}

// CardFetcher retrieves and validates an agent card from
// {endpoint_url}/.well-known/agent.json. The card is cached verbatim on
// the agent row.
type CardFetcher struct {
	httpc *http.Client
}

func NewCardFetcher(timeout time.Duration) *CardFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CardFetcher{httpc: &http.Client{Timeout: timeout}}
}

const maxCardBytes = 256 * 1024

func (f *CardFetcher) Fetch(ctx context.Context, endpointURL string) (json.RawMessage, error) {
	cardURL := strings.TrimRight(endpointURL, "/") + "/.well-known/agent.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, nil)
	if err != nil {
		return nil, cardErrorf("agent card URL invalid: %v", err)
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, cardErrorf("agent card fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, cardErrorf("agent card fetch failed: HTTP %d from %s", resp.StatusCode, cardURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCardBytes))
	if err != nil {
		return nil, cardErrorf("agent card read failed: %v", err)
	}
	if err := ValidateCard(body); err != nil {
		return nil, err
	}
	return body, nil
}

// ValidateCard checks the structural contract: name, url, version, and a
// skills array whose entries carry ids.
func ValidateCard(raw json.RawMessage) error {
	var card struct {
		Name    *string          `json:"name"`
		URL     *string          `json:"url"`
		Version *string          `json:"version"`
		Skills  *json.RawMessage `json:"skills"`
	}
	if err := json.Unmarshal(raw, &card); err != nil {
		return cardErrorf("agent card is not valid JSON")
	}
	var missing []string
	if card.Name == nil {
		missing = append(missing, "name")
	}
	if card.URL == nil {
		missing = append(missing, "url")
	}
	if card.Version == nil {
		missing = append(missing, "version")
	}
	if card.Skills == nil {
		missing = append(missing, "skills")
	}
	if len(missing) > 0 {
		return cardErrorf("agent card missing required fields: %s", strings.Join(missing, ", "))
	}

	var skills []struct {
		ID *string `json:"id"`
	}
	if err := json.Unmarshal(*card.Skills, &skills); err != nil {
		return cardErrorf("agent card 'skills' must be an array of objects")
	}
	for i, s := range skills {
		if s.ID == nil || *s.ID == "" {
			return cardErrorf("agent card skills[%d] missing required 'id'", i)
		}
	}
	return nil
}

// CardCapabilities extracts the sorted, deduplicated skill tags.
func CardCapabilities(raw json.RawMessage) []string {
	var card struct {
		Skills []struct {
			Tags []string `json:"tags"`
		} `json:"skills"`
	}
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range card.Skills {
		for _, tag := range s.Tags {
			if tag != "" && !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
	}
	sort.Strings(out)
	return out
}

// CardSkillIDs returns the set of skill ids a listing's skill_id must be
// drawn from when a card is cached.
func CardSkillIDs(raw json.RawMessage) map[string]bool {
	var card struct {
		Skills []struct {
			ID string `json:"id"`
		} `json:"skills"`
	}
	out := make(map[string]bool)
	if err := json.Unmarshal(raw, &card); err != nil {
		return out
	}
	for _, s := range card.Skills {
		if s.ID != "" {
			out[s.ID] = true
		}
	}
	return out
}

// IsCardError reports whether err came from card fetch/validation.
func IsCardError(err error) bool {
	var ce *CardError
	return errors.As(err, &ce)
}
