package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/pilot-net/topomon/engine/internal/config"
	"github.com/pilot-net/topomon/engine/internal/pipeline"
	"github.com/pilot-net/topomon/pkg/types"
)

// =============================================================================
// COLLECTOR INGEST
// =============================================================================

func (s *Server) handleIngestFrames(w http.ResponseWriter, r *http.Request) {
	var batch types.FrameBatch
	if status, err := s.decodeUpload(w, r, &batch); err != nil {
		s.writeError(w, status, err.Error())
		return
	}
	if len(batch.Frames) > config.MaxFramesPerBatch {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch has %d frames, limit is %d", len(batch.Frames), config.MaxFramesPerBatch))
		return
	}
	if id := r.Header.Get("X-Collector-ID"); id != "" {
		batch.CollectorID = id
	}

	buffered := false
	if s.buffer != nil {
		if err := s.buffer.PushFrames(r.Context(), batch); err != nil {
			s.logger.Warn("frame buffer unavailable, submitting directly",
				"collector_id", batch.CollectorID,
				"error", err)
		} else {
			buffered = true
		}
	}
	if !buffered {
		if err := s.pipe.SubmitBatch(r.Context(), batch); err != nil {
			s.writeSubmitError(w, err, "frames", batch.CollectorID, len(batch.Frames))
			return
		}
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": len(batch.Frames),
		"buffered": buffered,
	})
}

func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	var batch types.MetricBatch
	if status, err := s.decodeUpload(w, r, &batch); err != nil {
		s.writeError(w, status, err.Error())
		return
	}
	if id := r.Header.Get("X-Collector-ID"); id != "" {
		batch.CollectorID = id
	}

	buffered := false
	if s.buffer != nil {
		if err := s.buffer.PushMetrics(r.Context(), batch); err != nil {
			s.logger.Warn("frame buffer unavailable, submitting directly",
				"collector_id", batch.CollectorID,
				"error", err)
		} else {
			buffered = true
		}
	}
	if !buffered {
		if err := s.pipe.SubmitMetrics(r.Context(), batch); err != nil {
			s.writeSubmitError(w, err, "metrics", batch.CollectorID, len(batch.Samples))
			return
		}
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": len(batch.Samples),
		"buffered": buffered,
	})
}

// decodeUpload decodes a possibly gzip-compressed JSON body, bounding the
// decompressed size.
func (s *Server) decodeUpload(w http.ResponseWriter, r *http.Request, v any) (int, error) {
	var body io.ReadCloser = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return http.StatusBadRequest, errors.New("invalid gzip")
		}
		defer gz.Close()
		body = gz
	}
	body = http.MaxBytesReader(w, body, config.MaxUploadBytes)

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		return http.StatusBadRequest, errors.New("invalid request body")
	}
	return 0, nil
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error, kind, collectorID string, count int) {
	if errors.Is(err, pipeline.ErrShuttingDown) {
		s.writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
		return
	}
	s.logger.Error("ingestion failed",
		"kind", kind,
		"collector_id", collectorID,
		"count", count,
		"error", err)
	s.writeError(w, http.StatusServiceUnavailable, "ingestion failed")
}
