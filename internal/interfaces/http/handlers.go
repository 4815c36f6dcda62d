package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cybergolemai/gollem-lob/internal/forward"
	"github.com/cybergolemai/gollem-lob/internal/service"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *service.Error
	if !errors.As(err, &se) {
		se = &service.Error{Kind: service.KindInternal, Message: err.Error()}
	}

	requestID, _ := r.Context().Value(requestIDKey).(string)
	s.writeJSON(w, statusForKind(se.Kind), errorResponse{
		Error:     se.Message,
		Code:      se.Kind.String(),
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	})
}

func statusForKind(kind service.Kind) int {
	switch kind {
	case service.KindInvalidArgument:
		return http.StatusBadRequest
	case service.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case service.KindNoMatch:
		return http.StatusNotFound
	case service.KindUpstream:
		return http.StatusBadGateway
	case service.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case service.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBid reads a bid from the body, honoring the legacy gateway headers
// for price, latency and caller identity when the body omits them.
func decodeBid(r *http.Request) (service.BidRequest, error) {
	var req service.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, err
	}

	if req.MaxPrice == "" {
		req.MaxPrice = r.Header.Get("x-max-price")
		if req.MaxPrice == "" {
			req.MaxPrice = "0.001"
		}
	}
	if req.MaxLatencyMs == 0 {
		if v, err := strconv.ParseUint(r.Header.Get("x-max-latency"), 10, 32); err == nil {
			req.MaxLatencyMs = uint32(v)
		} else {
			req.MaxLatencyMs = 1000
		}
	}
	if req.UserID == "" {
		// Authentication happens upstream; the resolved identity arrives
		// as a header.
		req.UserID = r.Header.Get("x-user-id")
	}
	return req, nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBid(r)
	if err != nil {
		s.writeError(w, r, &service.Error{Kind: service.KindInvalidArgument, Message: "malformed request body"})
		return
	}

	resp, err := s.svc.SubmitBid(r.Context(), req)
	if err != nil {
		bidsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		s.writeError(w, r, err)
		return
	}
	bidsTotal.WithLabelValues("matched").Inc()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBid(r)
	if err != nil {
		s.writeError(w, r, &service.Error{Kind: service.KindInvalidArgument, Message: "malformed request body"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, &service.Error{Kind: service.KindInternal, Message: "streaming unsupported"})
		return
	}

	headerSent := false
	enc := json.NewEncoder(w)
	err = s.svc.SubmitBidStream(r.Context(), req, func(c forward.Chunk) error {
		if !headerSent {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			headerSent = true
		}
		if err := enc.Encode(c); err != nil {
			return err
		}
		streamChunksTotal.Inc()
		flusher.Flush()
		return nil
	})
	if err != nil {
		bidsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		if !headerSent {
			s.writeError(w, r, err)
			return
		}
		// Mid-stream failure: the status is gone; the dropped connection
		// is the signal.
		s.log.Warn().Err(err).Msg("stream aborted")
		return
	}
	bidsTotal.WithLabelValues("matched").Inc()
}

func outcomeLabel(err error) string {
	var se *service.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case service.KindNoMatch:
			return "no_match"
		case service.KindInsufficientCredits:
			return "insufficient_credits"
		case service.KindInvalidArgument:
			return "invalid"
		case service.KindUpstream:
			return "upstream_error"
		case service.KindBackendUnavailable:
			return "backend_unavailable"
		case service.KindCanceled:
			return "cancelled"
		}
	}
	return "internal_error"
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	var req service.ProviderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &service.Error{Kind: service.KindInvalidArgument, Message: "malformed request body"})
		return
	}

	resp, err := s.svc.UpdateProviderStatus(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	providerUpdatesTotal.Inc()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOrderBookStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetOrderBookStatus(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// providerID extracts the required providerId query parameter.
func (s *Server) providerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("providerId")
	if id == "" {
		s.writeError(w, r, &service.Error{Kind: service.KindInvalidArgument, Message: "providerId required"})
		return "", false
	}
	return id, true
}

func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerID(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.GetCircuitStatus(id))
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerID(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.GetRateLimitStatus(id))
}

func (s *Server) handleLatencyMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerID(w, r)
	if !ok {
		return
	}

	windowSecs := int64(3600)
	if v := r.URL.Query().Get("timeWindow"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			windowSecs = parsed
		}
	}
	s.writeJSON(w, http.StatusOK, s.svc.GetLatencyMetrics(id, windowSecs))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetOrderBookStatus(r.Context(), "")
	status := "healthy"
	if err != nil {
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           status,
		"timestamp":        time.Now().UTC(),
		"active_providers": st.ActiveProviders,
		"total_asks":       st.TotalAsks,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, errorResponse{
		Error:     "endpoint not found",
		Code:      "NOT_FOUND",
		Timestamp: time.Now().Unix(),
	})
}
