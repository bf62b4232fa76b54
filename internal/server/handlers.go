package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/ingest"
	"github.com/pms/leaderboard/internal/persistence"
	"github.com/pms/leaderboard/internal/query"
)

const (
	defaultTopN    = 10
	maxTopN        = 100
	defaultAround  = 5
	maxAround      = 50
	historyDefault = 20
	historyMax     = 200
)

// feedRecord is one inbound metric event. Metrics are pointers so partial
// records survive decoding and get rejected by scoring instead of being
// silently zero-filled.
type feedRecord struct {
	EntityID     string   `json:"entityId"`
	RateOfReturn *float64 `json:"rateOfReturn"`
	RiskMetricA  *float64 `json:"riskMetricA"`
	RiskMetricB  *float64 `json:"riskMetricB"`
	EventTime    *int64   `json:"eventTime"`
}

// LeaderboardHandlers serves the feed boundary and board reads.
type LeaderboardHandlers struct {
	log      zerolog.Logger
	boardKey string
	buffer   *ingest.Buffer
	query    *query.Service
	repo     *persistence.Repository
}

// NewLeaderboardHandlers creates the leaderboard handler set.
func NewLeaderboardHandlers(log zerolog.Logger, boardKey string, buffer *ingest.Buffer, q *query.Service, repo *persistence.Repository) *LeaderboardHandlers {
	return &LeaderboardHandlers{
		log:      log.With().Str("component", "leaderboard_handlers").Logger(),
		boardKey: boardKey,
		buffer:   buffer,
		query:    q,
		repo:     repo,
	}
}

// HandleIngestEvents accepts a batch of metric events.
// POST /api/leaderboard/events
func (h *LeaderboardHandlers) HandleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var records []feedRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(records) == 0 {
		http.Error(w, "Empty event batch", http.StatusBadRequest)
		return
	}

	updates := make([]domain.MetricUpdate, 0, len(records))
	now := time.Now().UTC()
	for _, rec := range records {
		id, err := uuid.Parse(rec.EntityID)
		if err != nil {
			http.Error(w, "Invalid entityId: "+rec.EntityID, http.StatusBadRequest)
			return
		}
		eventTime := now
		if rec.EventTime != nil {
			eventTime = time.UnixMilli(*rec.EventTime).UTC()
		}
		updates = append(updates, domain.MetricUpdate{
			EntityID:     id,
			RateOfReturn: nullDecimal(rec.RateOfReturn),
			RiskMetricA:  nullDecimal(rec.RiskMetricA),
			RiskMetricB:  nullDecimal(rec.RiskMetricB),
			EventTime:    eventTime,
		})
	}

	if err := h.buffer.Submit(r.Context(), updates); err != nil {
		switch {
		case domain.IsOverload(err):
			http.Error(w, "Service overloaded, retry later", http.StatusTooManyRequests)
		case errors.Is(err, r.Context().Err()):
			http.Error(w, "Submission timed out", http.StatusServiceUnavailable)
		default:
			h.log.Error().Err(err).Msg("Event submission failed")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": len(updates),
	})
}

// HandleTop returns the top of the board.
// GET /api/leaderboard/top?boardKey=...&n=...
func (h *LeaderboardHandlers) HandleTop(w http.ResponseWriter, r *http.Request) {
	if !h.checkBoardKey(w, r) {
		return
	}
	n := intParam(r, "n", defaultTopN, maxTopN)

	resp, err := h.query.TopN(r.Context(), n)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	writeJSON(h.log, w, resp)
}

// HandleAround returns the board neighborhood of one entity.
// GET /api/leaderboard/around?boardKey=...&entityId=...&range=...
func (h *LeaderboardHandlers) HandleAround(w http.ResponseWriter, r *http.Request) {
	if !h.checkBoardKey(w, r) {
		return
	}

	id, err := uuid.Parse(r.URL.Query().Get("entityId"))
	if err != nil {
		http.Error(w, "Invalid entityId", http.StatusBadRequest)
		return
	}
	around := intParam(r, "range", defaultAround, maxAround)

	resp, err := h.query.Around(r.Context(), id, around)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	writeJSON(h.log, w, resp)
}

// HandleHistory returns recent history rows for one entity, newest first.
// GET /api/leaderboard/entity/{entityID}/history?limit=...
func (h *LeaderboardHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "entityID"))
	if err != nil {
		http.Error(w, "Invalid entity id", http.StatusBadRequest)
		return
	}
	limit := intParam(r, "limit", historyDefault, historyMax)

	snapshots, err := h.repo.History(r.Context(), id, limit)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}

	rows := make([]map[string]interface{}, 0, len(snapshots))
	for _, s := range snapshots {
		rows = append(rows, map[string]interface{}{
			"historyId":      s.HistoryID.String(),
			"entityId":       s.EntityID.String(),
			"compositeScore": s.Score,
			"rank":           s.Rank,
			"rateOfReturn":   s.Metrics.RateOfReturn,
			"riskMetricA":    s.Metrics.RiskMetricA,
			"riskMetricB":    s.Metrics.RiskMetricB,
			"updatedAt":      s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(h.log, w, map[string]interface{}{
		"entityId": id.String(),
		"history":  rows,
	})
}

// checkBoardKey rejects reads against a board this instance does not serve.
func (h *LeaderboardHandlers) checkBoardKey(w http.ResponseWriter, r *http.Request) bool {
	if key := r.URL.Query().Get("boardKey"); key != "" && key != h.boardKey {
		http.Error(w, "Unknown board", http.StatusNotFound)
		return false
	}
	return true
}

func (h *LeaderboardHandlers) respondQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrUnavailable) {
		http.Error(w, "Leaderboard temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	h.log.Error().Err(err).Msg("Query failed")
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func nullDecimal(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v))
}

func intParam(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func writeJSON(log zerolog.Logger, w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
