package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Ascend/MindInferenceService-sub000/internal/admission"
	"github.com/Ascend/MindInferenceService-sub000/internal/backend"
	"github.com/Ascend/MindInferenceService-sub000/internal/chat"
	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
	"github.com/Ascend/MindInferenceService-sub000/internal/normalize"
	"github.com/Ascend/MindInferenceService-sub000/internal/server"
	"github.com/Ascend/MindInferenceService-sub000/internal/storage"
)

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if admission.IsBodyTooLarge(err) && g.size != nil {
			// SizeGuard answers once the handler returns without writing.
			return
		}
		server.AddError(r.Context(), err)
		domain.WriteError(w, domain.ErrInvalidRequest("Failed to read request body"))
		return
	}

	req, err := chat.Sanitize(body, g.logger)
	if err != nil {
		server.AddError(r.Context(), err)
		domain.WriteError(w, domain.AsAPIError(err))
		return
	}

	server.AddLogField(r.Context(), "model", req.Model)
	server.AddLogField(r.Context(), "stream", strconv.FormatBool(req.Stream))

	if req.Stream {
		g.streamChat(w, r, req)
		return
	}
	g.completeChat(w, r, req)
}

func (g *Gateway) completeChat(w http.ResponseWriter, r *http.Request, req *chat.Request) {
	respBody, err := g.backend.ChatCompletion(r.Context(), req.Body)
	if err != nil {
		g.backendFailure(w, r, err)
		return
	}

	if g.cfg.Backend.Type == BackendMindIE {
		respBody = normalize.NormalizeResponse(respBody, g.normalizerOptions(req)...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func (g *Gateway) streamChat(w http.ResponseWriter, r *http.Request, req *chat.Request) {
	ctx := r.Context()

	stream, err := g.backend.StreamChatCompletion(ctx, req.Body)
	if err != nil {
		g.backendFailure(w, r, err)
		return
	}
	defer stream.Close()

	sw := &sseWriter{ResponseWriter: w}
	n := normalize.NewStreamNormalizer(g.normalizerOptions(req)...)

	if g.cfg.Backend.Type == BackendMindIE {
		err = n.Copy(ctx, sw, stream)
	} else {
		err = copyStream(ctx, sw, stream)
	}
	if err == nil {
		return
	}

	switch {
	case ctx.Err() != nil:
		g.logger.Debug("stream cancelled",
			slog.String("request_id", server.GetRequestID(ctx)),
			slog.String("state", n.State()))
		return
	case errors.Is(err, http.ErrHandlerTimeout):
		return
	}

	server.AddError(ctx, err)
	g.logger.Error("backend stream failed",
		slog.String("request_id", server.GetRequestID(ctx)),
		slog.String("error", err.Error()))

	apiErr := domain.ErrBackend("Inference backend stream failed")
	if !sw.started {
		domain.WriteError(w, apiErr)
		return
	}
	for _, f := range n.Error(apiErr) {
		_, _ = sw.Write(f.Bytes())
	}
	sw.Flush()
}

// normalizerOptions carries the request's stream settings into the normalizer.
func (g *Gateway) normalizerOptions(req *chat.Request) []normalize.Option {
	opts := []normalize.Option{
		normalize.WithModel(req.Model),
		normalize.WithIncludeUsage(req.IncludeUsage),
		normalize.WithClock(g.now),
		normalize.WithFrameObserver(func(kind normalize.FrameKind) {
			g.metrics.StreamFrame(string(kind))
		}),
	}
	if g.counter != nil {
		opts = append(opts, normalize.WithEstimator(g.counter, g.counter.CountMessages(req.Model, req.Messages)))
	}
	return opts
}

// backendFailure answers a request whose backend call failed before any
// response bytes were sent.
func (g *Gateway) backendFailure(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if ctx.Err() != nil {
		// Deadline guard or client disconnect owns the response.
		return
	}

	server.AddError(ctx, err)

	var be *backend.Error
	if errors.As(err, &be) && be.StatusCode >= 400 && be.StatusCode < 500 {
		g.logger.Warn("backend rejected request",
			slog.Int("status", be.StatusCode),
			slog.String("body", server.Truncate(be.Body, g.cfg.Log.MaxLength)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(be.StatusCode)
		_, _ = io.WriteString(w, be.Body)
		return
	}

	g.logger.Error("backend request failed", slog.String("error", err.Error()))
	domain.WriteError(w, domain.ErrBackend("Inference backend unavailable"))
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	body, err := g.backend.Models(r.Context())
	if err != nil {
		g.backendFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(normalize.NormalizeModels(body))
}

// healthResponse reports gateway liveness and the backend probe.
type healthResponse struct {
	Status         string `json:"status"`
	Backend        string `json:"backend"`
	ActiveRequests int    `json:"active_requests"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Backend: "ok", ActiveRequests: g.ActiveRequests()}
	status := http.StatusOK

	if err := g.backend.Health(r.Context()); err != nil {
		g.logger.Warn("backend health probe failed", slog.String("error", err.Error()))
		resp.Status = "degraded"
		resp.Backend = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// admissionList is the /admin/admissions response body.
type admissionList struct {
	Object string                     `json:"object"`
	Data   []*storage.AdmissionRecord `json:"data"`
}

func (g *Gateway) handleAdmissions(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		domain.WriteError(w, domain.ErrInvalidRequest("Admission audit storage is disabled").
			WithStatusCode(http.StatusNotFound))
		return
	}

	q := r.URL.Query()
	opts := storage.ListOptions{Outcome: q.Get("outcome")}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			domain.WriteError(w, domain.ErrInvalidRequest("Invalid "+name+" parameter").WithParam(name))
			return
		}
		*dst = v
	}

	records, err := g.store.List(r.Context(), opts)
	if err != nil {
		g.logger.Error("failed to list admissions", slog.String("error", err.Error()))
		domain.WriteError(w, domain.ErrInternal())
		return
	}
	if records == nil {
		records = []*storage.AdmissionRecord{}
	}

	writeJSON(w, http.StatusOK, admissionList{Object: "list", Data: records})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sseWriter sends the event-stream headers with the first frame, so a
// backend failure before any frame can still become a JSON error.
type sseWriter struct {
	http.ResponseWriter
	started bool
}

func (s *sseWriter) Write(b []byte) (int, error) {
	if !s.started {
		s.started = true
		h := s.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.ResponseWriter.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

func (s *sseWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// copyStream relays an already canonical event stream, flushing after every
// read.
func copyStream(ctx context.Context, dst *sseWriter, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			dst.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
