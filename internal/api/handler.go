// Package api serves the local usage ledger over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tokdash/internal/prefs"
	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/syncer"
	"github.com/kalambet/tokdash/internal/usage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Ledger is the read side of storage.Store.
type Ledger interface {
	QueryStats(f storage.Filter) (usage.Stats, error)
	DailyStats(f storage.Filter) ([]usage.Bucket, error)
	ModelStats(f storage.Filter) ([]usage.Bucket, error)
	ListRecords(f storage.Filter, limit, offset int) ([]storage.Entry, error)
	Sources() ([]storage.SourceTotals, error)
	ListSyncRuns(limit int) ([]storage.SyncRun, error)
	CountUnsynced() (int, error)
}

// Preferences reads and updates user preferences.
type Preferences interface {
	Get() (prefs.Preferences, error)
	Update(values map[string]string) (prefs.Preferences, error)
	Location() *time.Location
}

// Syncer runs a sync on demand.
type Syncer interface {
	Run(ctx context.Context, opts syncer.RunOptions) (*syncer.Report, error)
}

// Deps holds what the handlers need. Sync may be nil, which disables
// POST /sync.
type Deps struct {
	Ledger    Ledger
	Prefs     Preferences
	Sync      Syncer
	Token     string
	MachineID string
	Version   string
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewHandler returns the dashboard API. Everything except /health requires
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/stats", handleStats(deps))
		r.Get("/stats/daily", handleDaily(deps))
		r.Get("/stats/models", handleModels(deps))
		r.Get("/records", handleRecords(deps))
		r.Get("/sources", handleSources(deps))
		r.Get("/runs", handleRuns(deps))
		r.Get("/preferences", handleGetPreferences(deps))
		r.Patch("/preferences", handlePatchPreferences(deps))
		r.Post("/sync", handleSync(deps))
	})
	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "ok",
			"machine_id": deps.MachineID,
			"version":    deps.Version,
		})
	}
}

// filterFromQuery reads source, model, since, until and tz. Day boundaries
// use tz when given, otherwise the preferred timezone.
func filterFromQuery(deps Deps, r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	loc := time.UTC
	if deps.Prefs != nil {
		loc = deps.Prefs.Location()
	}
	if tz := q.Get("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return storage.Filter{}, fmt.Errorf("invalid tz %q", tz)
		}
		loc = l
	}

	now := deps.now()
	from, err := usage.ParseTime(q.Get("since"), now, loc)
	if err != nil {
		return storage.Filter{}, fmt.Errorf("since: %w", err)
	}
	to, err := usage.ParseTime(q.Get("until"), now, loc)
	if err != nil {
		return storage.Filter{}, fmt.Errorf("until: %w", err)
	}
	return storage.Filter{
		Source:   q.Get("source"),
		Model:    q.Get("model"),
		From:     from,
		To:       to,
		Location: loc,
	}, nil
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		stats, err := deps.Ledger.QueryStats(f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to query stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleDaily(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		days, err := deps.Ledger.DailyStats(f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to query daily stats: %v", err)
			return
		}
		if days == nil {
			days = []usage.Bucket{}
		}
		writeJSON(w, http.StatusOK, days)
	}
}

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		models, err := deps.Ledger.ModelStats(f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to query model stats: %v", err)
			return
		}
		if models == nil {
			models = []usage.Bucket{}
		}
		writeJSON(w, http.StatusOK, models)
	}
}

type recordView struct {
	Key string `json:"key"`
	usage.Record
	Synced bool `json:"synced"`
}

func handleRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(deps, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		entries, err := deps.Ledger.ListRecords(f, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list records: %v", err)
			return
		}
		out := make([]recordView, len(entries))
		for i, e := range entries {
			out[i] = recordView{Key: e.Key, Record: e.Record, Synced: !e.SyncedAt.IsZero()}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := deps.Ledger.Sources()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sources: %v", err)
			return
		}
		if sources == nil {
			sources = []storage.SourceTotals{}
		}
		writeJSON(w, http.StatusOK, sources)
	}
}

func handleRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := deps.Ledger.ListSyncRuns(parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sync runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.SyncRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetPreferences(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Prefs.Get()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get preferences: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// handlePatchPreferences applies a flat {key: value} object. Values may be
// strings, booleans or numbers; each is validated as its string form, and
// the whole object is rejected if any field is.
func handlePatchPreferences(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		values := make(map[string]string, len(fields))
		for key, value := range fields {
			switch v := value.(type) {
			case string:
				values[key] = v
			case bool:
				values[key] = strconv.FormatBool(v)
			case float64:
				values[key] = strconv.FormatFloat(v, 'f', -1, 64)
			default:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "field %q: unsupported value type", key)
				return
			}
		}

		var (
			p   prefs.Preferences
			err error
		)
		if len(values) == 0 {
			p, err = deps.Prefs.Get()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to get preferences: %v", err)
				return
			}
		} else if p, err = deps.Prefs.Update(values); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to update preferences: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

type syncRequest struct {
	Sources []string `json:"sources"`
	Full    bool     `json:"full"`
	Limit   int      `json:"limit"`
	Upload  bool     `json:"upload"`
}

type syncSourceResult struct {
	Name       string `json:"name"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Scanned    int    `json:"scanned"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
	Truncated  bool   `json:"truncated"`
	Error      string `json:"error,omitempty"`
}

type syncResponse struct {
	Inserted     int                `json:"inserted"`
	UploadQueued bool               `json:"upload_queued"`
	Sources      []syncSourceResult `json:"sources"`
}

func newSyncResponse(rep *syncer.Report) syncResponse {
	resp := syncResponse{Sources: []syncSourceResult{}}
	if rep == nil {
		return resp
	}
	resp.Inserted = rep.Inserted()
	resp.UploadQueued = rep.UploadQueued
	for _, s := range rep.Sources {
		res := syncSourceResult{
			Name:       s.Name,
			Inserted:   s.Inserted,
			Duplicates: s.Duplicates,
			Scanned:    s.Scanned,
			Skipped:    s.Skipped,
			Errors:     len(s.Errors),
			Truncated:  s.Truncated,
		}
		if s.Err != nil {
			res.Error = s.Err.Error()
		}
		resp.Sources = append(resp.Sources, res)
	}
	return resp
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sync == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "sync is not available")
			return
		}
		var req syncRequest
		if r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		rep, err := deps.Sync.Run(r.Context(), syncer.RunOptions{
			Sources: req.Sources,
			Full:    req.Full,
			Limit:   req.Limit,
			Upload:  req.Upload,
		})
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, syncer.ErrUnknownSource) {
				code = http.StatusBadRequest
			}
			httpError(w, code, "api_error", "sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newSyncResponse(rep))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
