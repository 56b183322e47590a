package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/memory"
	"github.com/aviary-ai/aviary/ai/observability/logging"
	"github.com/aviary-ai/aviary/ai/tracing"
	"github.com/aviary-ai/aviary/internal/session"
	"github.com/aviary-ai/aviary/plugin/chat_apps"
	"github.com/aviary-ai/aviary/store"
)

// decodeJSON reads the request body into dst, distinguishing oversized bodies
// from malformed ones.
func decodeJSON(c echo.Context, dst any) error {
	dec := json.NewDecoder(c.Request().Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return aierrors.Wrap(err, aierrors.InputTooLarge, "request body exceeds limit")
		}
		return aierrors.Wrap(err, aierrors.InputValidationFailed, "malformed JSON body")
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	components := map[string]string{
		"gateway": "ok",
	}
	if s.memory != nil {
		components["memory"] = "ok"
	}
	if s.orchestrator != nil {
		components["orchestrator"] = "ok"
	}
	if s.recorder != nil {
		if _, noop := s.recorder.GetDriver().(*store.NoopDriver); noop {
			components["transcripts"] = "degraded"
		} else {
			components["transcripts"] = "ok"
		}
	}

	output := map[string]any{
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"version":       s.profile.Version,
		"mode":          s.profile.Mode,
		"components":    components,
	}
	if s.exporter != nil {
		output["metrics"] = s.exporter.Summary()
	}
	return respondOK(c, output, nil)
}

func (s *Server) handleReadiness(c echo.Context) error {
	if !s.ready.Load() {
		return c.JSON(http.StatusServiceUnavailable, envelope{OK: false, Error: &errorBody{
			Code:      string(aierrors.SystemInternal),
			Message:   "not ready",
			Retryable: true,
		}})
	}
	return respondOK(c, map[string]any{"ready": true}, nil)
}

type chatRequest struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Author    string `json:"author"`
	Content   string `json:"content"`
}

func (r *chatRequest) validate() map[string]string {
	fields := map[string]string{}
	if r.ChannelID == "" {
		fields["channelId"] = "required"
	}
	if r.UserID == "" {
		fields["userId"] = "required"
	}
	if r.Content == "" {
		fields["content"] = "required"
	}
	return fields
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := decodeJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	if fields := req.validate(); len(fields) > 0 {
		return respondFieldErrors(c, fields)
	}
	if s.httpChannel == nil {
		return respondError(c, aierrors.New(aierrors.SystemInternal, "http channel not configured"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(),
		time.Duration(s.profile.ChatTimeoutMS)*time.Millisecond)
	defer cancel()

	traceID := tracing.TraceIDFromContext(ctx)
	author := req.Author
	if author == "" {
		author = req.UserID
	}
	msg := &chat_apps.IncomingMessage{
		ChannelID: req.ChannelID,
		UserID:    req.UserID,
		Author:    author,
		Content:   req.Content,
		Timestamp: time.Now(),
		Metadata:  map[string]string{chat_apps.MetaTraceID: traceID},
	}

	reply, err := s.httpChannel.Ask(ctx, msg)
	if err != nil {
		return respondError(c, err)
	}

	metadata := map[string]any{
		"channelId": req.ChannelID,
		"source":    reply.Meta(chat_apps.MetaSource),
	}
	if skill := reply.Meta(chat_apps.MetaSkillName); skill != "" {
		metadata["skill"] = skill
	}
	if confidence := reply.Meta(chat_apps.MetaConfidence); confidence != "" {
		metadata["confidence"] = confidence
	}

	s.recordExchange(msg, reply, traceID)
	return respondOK(c, map[string]any{"reply": reply.Content}, metadata)
}

// recordExchange persists both sides of a chat turn asynchronously; the
// transcript store is best-effort and never sits on the request path.
func (s *Server) recordExchange(msg *chat_apps.IncomingMessage, reply *chat_apps.OutgoingMessage, traceID string) {
	if s.recorder == nil {
		return
	}
	key := session.Key{UserID: msg.UserID, ChannelID: msg.ChannelID}.Encode()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.recorder.SaveTranscript(ctx, &store.TranscriptEntry{
			SessionKey: key,
			Role:       store.RoleUser,
			Author:     msg.Author,
			Content:    msg.Content,
			TraceID:    traceID,
			CreatedAt:  msg.Timestamp,
		}); err != nil {
			logging.Warn("transcript write failed", "error", err)
			return
		}
		if _, err := s.recorder.SaveTranscript(ctx, &store.TranscriptEntry{
			SessionKey: key,
			Role:       store.RoleAssistant,
			Author:     reply.Meta(chat_apps.MetaSource),
			Content:    reply.Content,
			TraceID:    traceID,
		}); err != nil {
			logging.Warn("transcript write failed", "error", err)
		}
	}()
}

type memorySearchRequest struct {
	UserID            string   `json:"userId"`
	Query             string   `json:"query"`
	Types             []string `json:"types"`
	Limit             int      `json:"limit"`
	Threshold         float64  `json:"threshold"`
	Filter            string   `json:"filter"`
	IncludeDeprecated bool     `json:"includeDeprecated"`
}

func (r *memorySearchRequest) validate() map[string]string {
	fields := map[string]string{}
	if r.UserID == "" {
		fields["userId"] = "required"
	}
	if r.Query == "" {
		fields["query"] = "required"
	}
	if r.Limit < 0 || r.Limit > 100 {
		fields["limit"] = "must be in [0, 100]"
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		fields["threshold"] = "must be in [0, 1]"
	}
	for _, t := range r.Types {
		if !validMemoryType(t) {
			fields["types"] = "unknown memory type " + t
		}
	}
	return fields
}

func validMemoryType(t string) bool {
	switch memory.Type(t) {
	case memory.TypeShortTerm, memory.TypeMidTerm, memory.TypeLongTerm,
		memory.TypeProfile, memory.TypePinned:
		return true
	default:
		return false
	}
}

type memoryHit struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Type       string  `json:"type"`
	Source     string  `json:"source"`
	Importance float64 `json:"importance"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
	Timestamp  string  `json:"timestamp"`
	Deprecated bool    `json:"deprecated,omitempty"`
}

func (s *Server) handleMemorySearch(c echo.Context) error {
	var req memorySearchRequest
	if err := decodeJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	if fields := req.validate(); len(fields) > 0 {
		return respondFieldErrors(c, fields)
	}
	if s.memory == nil {
		return respondError(c, aierrors.New(aierrors.SystemInternal, "memory store not configured"))
	}

	types := make([]memory.Type, 0, len(req.Types))
	for _, t := range req.Types {
		types = append(types, memory.Type(t))
	}
	hits, err := s.memory.SearchMemories(c.Request().Context(), memory.SearchQuery{
		UserID:            req.UserID,
		Query:             req.Query,
		Types:             types,
		Limit:             req.Limit,
		Threshold:         req.Threshold,
		Filter:            req.Filter,
		IncludeDeprecated: req.IncludeDeprecated,
	})
	if err != nil {
		return respondError(c, err)
	}

	results := make([]memoryHit, 0, len(hits))
	for _, hit := range hits {
		results = append(results, memoryHit{
			ID:         hit.Vector.ID,
			Content:    hit.Vector.Content,
			Type:       string(hit.Vector.Type),
			Source:     string(hit.Vector.Source),
			Importance: hit.Vector.Importance,
			Score:      hit.Score,
			Rank:       hit.Rank,
			Timestamp:  hit.Vector.Timestamp.UTC().Format(time.RFC3339),
			Deprecated: hit.Vector.Deprecated,
		})
	}
	return respondOK(c, map[string]any{"results": results}, map[string]any{"count": len(results)})
}

type memoryUpdateRequest struct {
	UserID     string  `json:"userId"`
	Content    string  `json:"content"`
	Type       string  `json:"type"`
	Source     string  `json:"source"`
	Importance float64 `json:"importance"`
}

func (r *memoryUpdateRequest) validate() map[string]string {
	fields := map[string]string{}
	if r.UserID == "" {
		fields["userId"] = "required"
	}
	if r.Content == "" {
		fields["content"] = "required"
	}
	if r.Type != "" && !validMemoryType(r.Type) {
		fields["type"] = "unknown memory type " + r.Type
	}
	if r.Source != "" && r.Source != string(memory.SourceExplicit) && r.Source != string(memory.SourceImplicit) {
		fields["source"] = "must be explicit or implicit"
	}
	if r.Importance < 0 || r.Importance > 1 {
		fields["importance"] = "must be in [0, 1]"
	}
	return fields
}

func (s *Server) handleMemoryUpdate(c echo.Context) error {
	var req memoryUpdateRequest
	if err := decodeJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	if fields := req.validate(); len(fields) > 0 {
		return respondFieldErrors(c, fields)
	}
	if s.memory == nil {
		return respondError(c, aierrors.New(aierrors.SystemInternal, "memory store not configured"))
	}

	vec, err := s.memory.AddMemory(c.Request().Context(), req.Content, memory.Metadata{
		UserID: req.UserID,
		Type:   memory.Type(req.Type),
		Source: memory.Source(req.Source),
	}, req.Importance)
	if err != nil {
		return respondError(c, err)
	}

	return respondOK(c, map[string]any{
		"id":         vec.ID,
		"type":       string(vec.Type),
		"source":     string(vec.Source),
		"importance": vec.Importance,
		"deprecated": vec.Deprecated,
	}, nil)
}
