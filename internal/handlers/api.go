package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/schema"
	"github.com/rs/zerolog"

	"riskwatch/internal/logger"
	"riskwatch/internal/models"
	"riskwatch/internal/store"
	"riskwatch/internal/stream"
)

// ErrUnknownFeed is returned by a Controller for a feed name it does not own
var ErrUnknownFeed = errors.New("unknown feed")

// Controller drives the stream lifecycle on behalf of the API
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Status() stream.Status
	Topics() []string
	Stats() stream.ClientStats
	Feeds() map[string]bool
	SetFeed(name string, enabled bool) error
}

// APIConfig holds the dependencies of the read API
type APIConfig struct {
	Zones      *store.ZoneStore
	Stats      *store.StatsStore
	Ticker     *store.TickerLog
	Controller Controller

	// Max body size for POST requests (default 64KB)
	MaxBodySize int64
}

// API serves the reconciled dashboard state over HTTP
type API struct {
	zones       *store.ZoneStore
	stats       *store.StatsStore
	ticker      *store.TickerLog
	ctrl        Controller
	maxBodySize int64
	query       *schema.Decoder
	log         zerolog.Logger
}

// NewAPI creates the read API
func NewAPI(cfg APIConfig) *API {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 64 * 1024
	}
	return &API{
		zones:       cfg.Zones,
		stats:       cfg.Stats,
		ticker:      cfg.Ticker,
		ctrl:        cfg.Controller,
		maxBodySize: maxBodySize,
		query:       newQueryDecoder(),
		log:         logger.WithComponent("api"),
	}
}

func newQueryDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}

// Register mounts the API routes on mux
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/zones", a.handleZones)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/ticker", a.handleTicker)
	mux.HandleFunc("POST /api/ticker", a.handleAddTicker)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("POST /api/connect", a.handleConnect)
	mux.HandleFunc("POST /api/disconnect", a.handleDisconnect)
	mux.HandleFunc("GET /api/feeds", a.handleFeeds)
	mux.HandleFunc("POST /api/feeds/{name}/enable", a.handleSetFeed(true))
	mux.HandleFunc("POST /api/feeds/{name}/disable", a.handleSetFeed(false))
}

// ZonesResponse is returned by GET /api/zones
type ZonesResponse struct {
	Zones      []models.Zone `json:"zones"`
	Count      int           `json:"count"`
	Total      int           `json:"total"`
	LastUpdate *time.Time    `json:"lastUpdate,omitempty"`
}

// ZonesQuery holds the optional filters of GET /api/zones
type ZonesQuery struct {
	North     *float64 `schema:"north"`
	South     *float64 `schema:"south"`
	East      *float64 `schema:"east"`
	West      *float64 `schema:"west"`
	RiskLevel string   `schema:"riskLevel"`
}

func (a *API) handleZones(w http.ResponseWriter, r *http.Request) {
	var q ZonesQuery
	if err := a.query.Decode(&q, r.URL.Query()); err != nil {
		a.log.Warn().Err(err).Msg("invalid zones query")
		a.writeError(w, http.StatusBadRequest, "invalid query parameters")
		return
	}

	bounds, hasBounds, err := q.bounds()
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var level models.RiskLevel
	if raw := strings.TrimSpace(q.RiskLevel); raw != "" {
		level = models.RiskLevel(strings.ToUpper(raw))
		if !level.IsValid() {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid riskLevel %q", raw))
			return
		}
	}

	var zones []models.Zone
	switch {
	case hasBounds:
		zones = a.zones.GetInBounds(bounds)
	case level != "":
		zones = a.zones.GetByRiskLevel(level)
	default:
		zones = a.zones.GetAll()
	}
	if hasBounds && level != "" {
		filtered := zones[:0]
		for _, z := range zones {
			if z.RiskLevel == level {
				filtered = append(filtered, z)
			}
		}
		zones = filtered
	}

	a.writeJSON(w, http.StatusOK, ZonesResponse{
		Zones:      zones,
		Count:      len(zones),
		Total:      a.zones.Len(),
		LastUpdate: optionalTime(a.zones.LastUpdate()),
	})
}

// bounds requires all four edges or none
func (q ZonesQuery) bounds() (models.Bounds, bool, error) {
	edges := []*float64{q.North, q.South, q.East, q.West}
	given := 0
	for _, e := range edges {
		if e != nil {
			given++
		}
	}
	if given == 0 {
		return models.Bounds{}, false, nil
	}
	if given != len(edges) {
		return models.Bounds{}, false, errors.New("bounds require north, south, east and west")
	}

	b := models.Bounds{North: *q.North, South: *q.South, East: *q.East, West: *q.West}
	if b.South > b.North {
		return models.Bounds{}, false, errors.New("south must not exceed north")
	}
	return b, true, nil
}

// StatsResponse is returned by GET /api/stats
type StatsResponse struct {
	Stats          models.DensityStats `json:"stats"`
	IntensityLabel string              `json:"intensityLabel"`
	LastUpdate     *time.Time          `json:"lastUpdate,omitempty"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	s := a.stats.Get()
	a.writeJSON(w, http.StatusOK, StatsResponse{
		Stats:          s,
		IntensityLabel: models.IntensityLabel(s.AvgIntensity),
		LastUpdate:     optionalTime(a.stats.LastUpdate()),
	})
}

// TickerResponse is returned by GET /api/ticker
type TickerResponse struct {
	Entries []models.TickerEntry `json:"entries"`
	Count   int                  `json:"count"`
}

func (a *API) handleTicker(w http.ResponseWriter, r *http.Request) {
	entries := a.ticker.GetAll()
	a.writeJSON(w, http.StatusOK, TickerResponse{Entries: entries, Count: len(entries)})
}

// AddTickerRequest is the body of POST /api/ticker
type AddTickerRequest struct {
	Message string `json:"message"`
}

func (a *API) handleAddTicker(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		a.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodySize)

	var req AddTickerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			a.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		a.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	entry := a.ticker.AddLocal(req.Message)
	a.writeJSON(w, http.StatusCreated, entry)
}

// StatusResponse is returned by the lifecycle endpoints
type StatusResponse struct {
	Status string             `json:"status"`
	Topics []string           `json:"topics"`
	Feeds  map[string]bool    `json:"feeds"`
	Client stream.ClientStats `json:"client"`
}

func (a *API) status() StatusResponse {
	return StatusResponse{
		Status: a.ctrl.Status().String(),
		Topics: a.ctrl.Topics(),
		Feeds:  a.ctrl.Feeds(),
		Client: a.ctrl.Stats(),
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.status())
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := a.ctrl.Connect(r.Context())

	var connErr *stream.ConnectError
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, a.status())
	case errors.Is(err, stream.ErrConnectionInProgress):
		a.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &connErr):
		a.log.Warn().Err(err).Msg("connect request failed")
		a.writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.log.Error().Err(err).Msg("connect request failed")
		a.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	a.ctrl.Disconnect()
	a.writeJSON(w, http.StatusOK, a.status())
}

func (a *API) handleFeeds(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.ctrl.Feeds())
}

func (a *API) handleSetFeed(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := a.ctrl.SetFeed(name, enabled); err != nil {
			if errors.Is(err, ErrUnknownFeed) {
				a.writeError(w, http.StatusNotFound, err.Error())
				return
			}
			a.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		a.writeJSON(w, http.StatusOK, a.ctrl.Feeds())
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("failed to encode response")
	}
}

// writeError writes an error response
func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
