package server

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gorilla/feeds"
	"github.com/labstack/echo/v4"
	"github.com/yuin/goldmark"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/memory"
)

func (s *Server) handleAdminToken(c echo.Context) error {
	token, expiresAt, err := s.mintSessionToken(time.Now())
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	}, nil)
}

func (s *Server) handleAdminStats(c echo.Context) error {
	output := map[string]any{}
	if s.orchestrator != nil {
		output["orchestrator"] = s.orchestrator.Stats()
	}
	if s.memory != nil {
		output["memory"] = map[string]any{
			"vectors": s.memory.Count(),
			"users":   s.memory.UserCount(),
		}
	}
	if s.recorder != nil {
		summary, err := s.recorder.UsageSummary(c.Request().Context(), time.Now().Add(-24*time.Hour))
		if err != nil {
			return respondError(c, err)
		}
		output["usage"] = summary
	}
	return respondOK(c, output, nil)
}

type cleanupRequest struct {
	MinImportance float64 `json:"minImportance"`
	MaxPerUser    int     `json:"maxPerUser"`
}

func (r *cleanupRequest) validate() map[string]string {
	fields := map[string]string{}
	if r.MinImportance < 0 || r.MinImportance > 1 {
		fields["minImportance"] = "must be in [0, 1]"
	}
	if r.MaxPerUser < 0 {
		fields["maxPerUser"] = "must be non-negative"
	}
	return fields
}

func (s *Server) handleAdminCleanup(c echo.Context) error {
	var req cleanupRequest
	if c.Request().ContentLength != 0 {
		if err := decodeJSON(c, &req); err != nil {
			return respondError(c, err)
		}
	}
	if fields := req.validate(); len(fields) > 0 {
		return respondFieldErrors(c, fields)
	}
	if s.memory == nil {
		return respondError(c, aierrors.New(aierrors.SystemInternal, "memory store not configured"))
	}

	result := s.memory.CleanupExpiredMemories(memory.CleanupOptions{
		MinImportance: req.MinImportance,
		MaxPerUser:    req.MaxPerUser,
	})
	return respondOK(c, map[string]any{
		"removed":      result.Removed,
		"kept":         result.Kept,
		"reclassified": result.Reclassified,
	}, nil)
}

func (s *Server) handleMemoryExport(c echo.Context) error {
	if s.digest == nil || s.memory == nil {
		return respondError(c, aierrors.New(aierrors.SystemInternal, "memory digest not configured"))
	}
	md, err := s.digest.RenderMarkdown(s.memory)
	if err != nil {
		return respondError(c, aierrors.Wrap(err, aierrors.SystemInternal, "render memory digest"))
	}

	converter := goldmark.New(goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()))
	var buf bytes.Buffer
	if err := converter.Convert([]byte(md), &buf); err != nil {
		return respondError(c, aierrors.Wrap(err, aierrors.SystemInternal, "convert memory digest"))
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

func (s *Server) handleMemoryFeed(c echo.Context) error {
	if s.digest == nil {
		return respondError(c, aierrors.New(aierrors.SystemInternal, "memory digest not configured"))
	}
	digests, err := s.digest.DailyDigests()
	if err != nil {
		return respondError(c, aierrors.Wrap(err, aierrors.SystemInternal, "read daily digests"))
	}

	feed := &feeds.Feed{
		Title:       "Memory daily digests",
		Link:        &feeds.Link{Href: "/admin/memory/feed"},
		Description: "Daily human-readable mirrors of the memory store",
		Updated:     time.Now(),
	}
	for _, digest := range digests {
		day := digest.Date.Format("2006-01-02")
		feed.Items = append(feed.Items, &feeds.Item{
			Title:       day,
			Id:          "memory-digest-" + day,
			Link:        &feeds.Link{Href: "/admin/memory/feed#" + day},
			Description: digest.Content,
			Created:     digest.Date,
		})
	}

	atom, err := feed.ToAtom()
	if err != nil {
		return respondError(c, aierrors.Wrap(err, aierrors.SystemInternal, "render atom feed"))
	}
	return c.Blob(http.StatusOK, "application/atom+xml; charset=utf-8", []byte(atom))
}
