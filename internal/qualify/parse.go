package qualify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty qualification response")

type rawQualification struct {
	Score           json.Number `json:"score"`
	Fit             string      `json:"fit"`
	Summary         string      `json:"summary"`
	MatchedPersonas []string    `json:"matched_personas"`
	Reasons         []string    `json:"reasons"`
}

// ParseResponse decodes a model answer. Markdown fences around the JSON are
// tolerated. The score is clamped to 0..100 and an unknown fit is derived from
// it. Matched personas not present in personas are dropped.
func ParseResponse(raw string, personas []string) (crawler.Qualification, error) {
	body := stripFences(raw)
	if body == "" {
		return crawler.Qualification{}, ErrEmptyResponse
	}

	var parsed rawQualification
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return crawler.Qualification{}, fmt.Errorf("decode qualification: %w", err)
	}

	score, err := parseScore(parsed.Score)
	if err != nil {
		return crawler.Qualification{}, err
	}
	fit := crawler.Fit(strings.ToLower(strings.TrimSpace(parsed.Fit)))
	switch fit {
	case crawler.FitStrong, crawler.FitModerate, crawler.FitWeak, crawler.FitNone:
	default:
		fit = FitForScore(score)
	}

	return crawler.Qualification{
		Score:           score,
		Fit:             fit,
		Summary:         strings.TrimSpace(parsed.Summary),
		MatchedPersonas: filterPersonas(parsed.MatchedPersonas, personas),
		Reasons:         compact(parsed.Reasons),
	}, nil
}

// FitForScore maps a 0..100 score onto a fit level.
func FitForScore(score int) crawler.Fit {
	switch {
	case score >= 75:
		return crawler.FitStrong
	case score >= 50:
		return crawler.FitModerate
	case score >= 25:
		return crawler.FitWeak
	default:
		return crawler.FitNone
	}
}

func parseScore(n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("decode qualification score %q: %w", n, err)
	}
	switch {
	case f < 0:
		return 0, nil
	case f > 100:
		return 100, nil
	default:
		return int(f + 0.5), nil
	}
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func filterPersonas(matched, supplied []string) []string {
	canonical := make(map[string]string, len(supplied))
	for _, p := range supplied {
		canonical[strings.ToLower(strings.TrimSpace(p))] = p
	}
	out := make([]string, 0, len(matched))
	seen := make(map[string]struct{}, len(matched))
	for _, m := range matched {
		key := strings.ToLower(strings.TrimSpace(m))
		p, ok := canonical[key]
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
