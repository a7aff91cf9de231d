package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

type targets struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
}

// resolve merges url and urls, validating and de-duplicating while keeping
// submission order.
func (t targets) resolve() ([]string, error) {
	raw := make([]string, 0, len(t.URLs)+1)
	if strings.TrimSpace(t.URL) != "" {
		raw = append(raw, t.URL)
	}
	raw = append(raw, t.URLs...)
	if len(raw) == 0 {
		return nil, errors.New("url or urls is required")
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, candidate := range raw {
		valid, err := crawler.ValidateTargetURL(candidate)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[valid]; dup {
			continue
		}
		seen[valid] = struct{}{}
		out = append(out, valid)
	}
	return out, nil
}

type crawlJobRequest struct {
	targets
	MaxPages      *int  `json:"max_pages"`
	SameDomain    *bool `json:"same_domain"`
	RespectRobots *bool `json:"respect_robots"`
}

type extractJobRequest struct {
	targets
	Headless      string `json:"headless"`
	WaitSelector  string `json:"wait_selector"`
	RespectRobots *bool  `json:"respect_robots"`
}

type qualifyJobRequest struct {
	URL             string   `json:"url"`
	BusinessProfile string   `json:"business_profile"`
	Personas        []string `json:"personas"`
	MaxPages        *int     `json:"max_pages"`
	RespectRobots   *bool    `json:"respect_robots"`
}

type extractInfoRequest struct {
	URL string `json:"url"`
}

func (s *Server) crawlParameters(req crawlJobRequest) (crawler.JobParameters, error) {
	urls, err := req.resolve()
	if err != nil {
		return crawler.JobParameters{}, err
	}
	maxPages, err := s.maxPages(req.MaxPages)
	if err != nil {
		return crawler.JobParameters{}, err
	}
	return crawler.JobParameters{
		URLs:          urls,
		MaxPages:      maxPages,
		SameDomain:    boolOrDefault(req.SameDomain, true),
		RespectRobots: boolOrDefault(req.RespectRobots, s.cfg.Crawler.RespectRobots),
	}, nil
}

func (s *Server) extractParameters(req extractJobRequest) (crawler.JobParameters, error) {
	urls, err := req.resolve()
	if err != nil {
		return crawler.JobParameters{}, err
	}
	mode := crawler.HeadlessMode(strings.ToLower(strings.TrimSpace(req.Headless)))
	if mode == "" {
		mode = crawler.HeadlessAuto
	}
	if !mode.Valid() {
		return crawler.JobParameters{}, fmt.Errorf("headless must be one of auto, always, never; got %q", req.Headless)
	}
	return crawler.JobParameters{
		URLs:          urls,
		Headless:      mode,
		WaitSelector:  strings.TrimSpace(req.WaitSelector),
		RespectRobots: boolOrDefault(req.RespectRobots, s.cfg.Crawler.RespectRobots),
	}, nil
}

func (s *Server) qualifyParameters(req qualifyJobRequest) (crawler.JobParameters, error) {
	target, err := crawler.ValidateTargetURL(req.URL)
	if err != nil {
		return crawler.JobParameters{}, err
	}
	profile := strings.TrimSpace(req.BusinessProfile)
	if profile == "" {
		return crawler.JobParameters{}, errors.New("business_profile is required")
	}
	personas := cleanPersonas(req.Personas)
	if len(personas) == 0 {
		return crawler.JobParameters{}, errors.New("personas must list at least one persona")
	}
	maxPages, err := s.maxPages(req.MaxPages)
	if err != nil {
		return crawler.JobParameters{}, err
	}
	return crawler.JobParameters{
		URLs:            []string{target},
		MaxPages:        maxPages,
		SameDomain:      true,
		RespectRobots:   boolOrDefault(req.RespectRobots, s.cfg.Crawler.RespectRobots),
		BusinessProfile: profile,
		Personas:        personas,
	}, nil
}

// maxPages applies the configured default and clamps to the configured limit.
func (s *Server) maxPages(requested *int) (int, error) {
	if requested == nil {
		return s.cfg.Crawler.MaxPagesDefault, nil
	}
	if *requested <= 0 {
		return 0, errors.New("max_pages must be positive")
	}
	if limit := s.cfg.Crawler.MaxPagesLimit; limit > 0 && *requested > limit {
		return limit, nil
	}
	return *requested, nil
}

func cleanPersonas(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}
