package gateway

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Ascend/MindInferenceService-sub000/internal/admission"
	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
	"github.com/Ascend/MindInferenceService-sub000/internal/server"
	"github.com/Ascend/MindInferenceService-sub000/internal/storage"
)

const (
	// maxRecordedErrorBody is how much of an error response is kept to read
	// its error code.
	maxRecordedErrorBody = 1024
	recordTimeout        = 2 * time.Second
)

// admissionCodes are the error codes written by the guard chain.
var admissionCodes = map[domain.ErrorCode]bool{
	domain.ErrorCodeHeaderTooLarge:      true,
	domain.ErrorCodeTooManyHeaders:      true,
	domain.ErrorCodeHeaderParse:         true,
	domain.ErrorCodeBodyTooLarge:        true,
	domain.ErrorCodeConcurrencyExceeded: true,
	domain.ErrorCodeRateLimitExceeded:   true,
	domain.ErrorCodeRequestTimeout:      true,
	domain.ErrorCodeCancellationFailed:  true,
}

// recordAdmission stores one audit record per guarded request once the
// request has completed.
func (g *Gateway) recordAdmission(next http.Handler) http.Handler {
	if g.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.now()
		rw := &recordingWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		rec := &storage.AdmissionRecord{
			ID:        server.GetRequestID(r.Context()),
			ClientIP:  admission.ClientIP(r),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    rw.status,
			Duration:  g.now().Sub(start),
			Streaming: rw.streaming,
			CreatedAt: start,
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.Outcome, rec.Code = classify(rw.status, rw.errBody.Bytes())

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), recordTimeout)
		defer cancel()
		if err := g.store.Record(ctx, rec); err != nil {
			g.logger.Warn("failed to record admission",
				slog.String("request_id", rec.ID),
				slog.String("error", err.Error()))
		}
	})
}

// classify derives the outcome from the status and the error code in the
// response body.
func classify(status int, errBody []byte) (outcome, code string) {
	if status < http.StatusBadRequest {
		return storage.OutcomeAdmitted, ""
	}
	code = gjson.GetBytes(errBody, "error.code").String()
	if admissionCodes[domain.ErrorCode(code)] {
		return storage.OutcomeRejected, code
	}
	return storage.OutcomeFailed, code
}

// recordingWriter captures the status, the stream flag and the head of an
// error body.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	streaming   bool
	errBody     bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.streaming = strings.HasPrefix(rw.Header().Get("Content-Type"), "text/event-stream")
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if rw.status >= http.StatusBadRequest && rw.errBody.Len() < maxRecordedErrorBody {
		rest := maxRecordedErrorBody - rw.errBody.Len()
		if rest > len(b) {
			rest = len(b)
		}
		rw.errBody.Write(b[:rest])
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *recordingWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
