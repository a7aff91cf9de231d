package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/worker"
)

const (
	emptyPageWarning = "Warning: Could not retrieve page source or source was empty."
	// extractInfoPrefix namespaces saved page sources of synchronous
	// extractions, which have no job id of their own.
	extractInfoPrefix = "extract-info-"
)

type extractInfoResponse struct {
	SocialLinks  []string `json:"social_links"`
	Emails       []string `json:"emails"`
	PhoneNumbers []string `json:"phone_numbers"`
	Status       string   `json:"status,omitempty"`
}

// extractInfo handles POST /extract-info: a blocking headless extraction of a
// single page.
func (s *Server) extractInfo(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		writeError(w, http.StatusServiceUnavailable, "extraction is not available")
		return
	}
	var req extractInfoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing 'url' in request body")
		return
	}
	target, err := crawler.ValidateTargetURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reqID := RequestID(r.Context())
	logger := s.logger.With(zap.String("url", target), zap.String("request_id", reqID))
	page, err := s.extractor.ExtractPage(r.Context(), worker.PageRequest{
		JobID:         extractInfoPrefix + reqID,
		URL:           target,
		Headless:      crawler.HeadlessAlways,
		WaitSelector:  s.cfg.Headless.WaitSelector,
		RespectRobots: s.cfg.Crawler.RespectRobots,
	})
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrEmptyPage):
		logger.Warn("page source empty")
		writeJSON(w, http.StatusOK, extractInfoResponse{
			SocialLinks:  []string{},
			Emails:       []string{},
			PhoneNumbers: []string{},
			Status:       emptyPageWarning,
		})
		return
	case isTimeout(err):
		logger.Warn("extract-info timed out", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("timeout processing url: %s", target))
		return
	default:
		logger.Warn("extract-info fetch failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to fetch url: %s", target))
		return
	}

	logger.Info("extract-info complete",
		zap.Int("social_links", len(page.SocialLinks)),
		zap.Int("emails", len(page.Emails)),
		zap.Int("phone_numbers", len(page.PhoneNumbers)),
	)
	writeJSON(w, http.StatusOK, extractInfoResponse{
		SocialLinks:  nonNil(page.SocialLinks),
		Emails:       nonNil(page.Emails),
		PhoneNumbers: nonNil(page.PhoneNumbers),
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
