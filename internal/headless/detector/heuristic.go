// Package detector decides when a probe fetch should be retried in the
// headless browser.
package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

// Promotion reasons reported by Heuristic.Reason.
const (
	ReasonEmptyBody     = "empty_body"
	ReasonScriptDensity = "script_density"
	ReasonSPAMarker     = "spa_marker"
	ReasonNoAnchors     = "no_anchors"
)

const defaultBodyLengthThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A non-positive threshold uses 2 KiB.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-v-app"),
	[]byte("window.__nuxt__"),
	[]byte("enable javascript"),
}

// ShouldPromote reports whether a headless fetch is warranted.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	return h.Reason(resp) != ""
}

// Reason returns why resp should be promoted, or "" when it should not.
// Only 200 responses are considered.
func (h *Heuristic) Reason(resp crawler.FetchResponse) string {
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body := bytes.ToLower(resp.Body)
	if len(bytes.TrimSpace(body)) == 0 {
		return ReasonEmptyBody
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return ReasonScriptDensity
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return ReasonSPAMarker
		}
	}
	if !bytes.Contains(body, []byte("<a ")) && !bytes.Contains(body, []byte("<a\n")) {
		return ReasonNoAnchors
	}
	return ""
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the lowercased document.
func scriptDensityHigh(lower []byte) bool {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	total := len(lower)
	coverage := 0
	pos := 0
	for pos < total {
		rel := bytes.Index(lower[pos:], []byte(openTag))
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if relEnd := bytes.Index(lower[start:], []byte(closeTag)); relEnd != -1 {
			end = start + relEnd + len(closeTag)
		}
		coverage += end - start
		pos = end
	}
	return coverage > 0 && coverage*100/total >= 25
}
