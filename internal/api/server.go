// Package api serves the operator surface: a progress page, JSON
// endpoints and the CSV export.
package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dncl-checker/internal/config"
	"dncl-checker/internal/models"
	"dncl-checker/internal/stats"
	"dncl-checker/internal/store"
	"dncl-checker/internal/telemetry"
)

// perPage matches the progress page's result table size.
const perPage = 50

// Server wires HTTP handlers for the progress service.
type Server struct {
	cfg     config.Config
	store   *store.Store
	tracker *stats.Tracker
}

// New constructs the server. tracker may be nil when the API runs apart
// from the worker; the stats endpoint then reports only queue counts.
func New(cfg config.Config, st *store.Store, tracker *stats.Tracker) *Server {
	return &Server{cfg: cfg, store: st, tracker: tracker}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/", s.handleProgressPage)
	r.Get("/api/tasks", s.handleTasks)
	r.Get("/api/stats", s.handleStats)
	r.Get("/export.csv", s.handleExport)
	return r
}

func (s *Server) handleProgressPage(w http.ResponseWriter, r *http.Request) {
	page := pageParam(r)
	progress, err := s.store.Progress(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tasks, total, err := s.store.ListChecked(r.Context(), page, perPage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	lastPage := int((total + perPage - 1) / perPage)
	if lastPage < 1 {
		lastPage = 1
	}
	var percent float64
	if progress.Total > 0 {
		percent = float64(progress.Processed) / float64(progress.Total) * 100
	}

	data := progressPageData{
		Progress: progress,
		Percent:  percent,
		Tasks:    tasks,
		Page:     page,
		LastPage: lastPage,
		PrevPage: page - 1,
		NextPage: page + 1,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := progressTemplate.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	page := pageParam(r)
	tasks, total, err := s.store.ListChecked(r.Context(), page, perPage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"tasks":    tasks,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	progress, err := s.store.Progress(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"progress": progress}
	if s.tracker != nil {
		if snap, ok := s.tracker.Stats(); ok {
			remaining := progress.Total - progress.Processed
			resp["success_rate"] = snap.SuccessRate
			resp["avg_seconds"] = snap.AvgSeconds
			resp["window"] = snap.Window
			resp["eta_seconds"] = s.tracker.ETA(remaining).Seconds()
		}
	}
	writeJSON(w, resp)
}

// handleExport streams checked numbers as CSV. ERROR rows are excluded:
// they are retry fodder, not answers.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="dncl-results.csv"`)

	cw := csv.NewWriter(w)
	defer cw.Flush()
	if err := cw.Write([]string{"telephone", "status", "registration_date", "checked_at"}); err != nil {
		return
	}
	_ = s.store.ExportRows(r.Context(), func(t models.Task) error {
		var regDate, checkedAt string
		if t.RegistrationDate != nil {
			regDate = *t.RegistrationDate
		}
		if t.CheckedAt != nil {
			checkedAt = t.CheckedAt.Format("2006-01-02 15:04:05")
		}
		return cw.Write([]string{t.Telephone, t.Status, regDate, checkedAt})
	})
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type progressPageData struct {
	Progress models.Progress
	Percent  float64
	Tasks    []models.Task
	Page     int
	LastPage int
	PrevPage int
	NextPage int
}

var progressTemplate = template.Must(template.New("progress").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.1f", f) },
	"deref": func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="30">
<title>DNCL Check Progress</title>
<style>
body { font-family: -apple-system, sans-serif; margin: 2rem auto; max-width: 960px; color: #222; }
table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
th, td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #ddd; }
.bar { background: #eee; border-radius: 4px; height: 22px; overflow: hidden; }
.bar > div { background: #2e7d32; height: 100%; }
.counts span { margin-right: 1.2rem; }
.status-ACTIVE { color: #2e7d32; }
.status-INACTIVE { color: #555; }
.status-INVALID { color: #e65100; }
.status-ERROR { color: #c62828; }
.pager a { margin-right: 0.8rem; }
</style>
</head>
<body>
<h1>DNCL Check Progress</h1>
<div class="bar"><div style="width: {{pct .Percent}}%"></div></div>
<p>{{.Progress.Processed}} / {{.Progress.Total}} processed ({{pct .Percent}}%)</p>
<p class="counts">
{{range $status, $n := .Progress.ByStatus}}<span class="status-{{$status}}">{{$status}}: {{$n}}</span>{{end}}
</p>
<p><a href="/export.csv">Download CSV</a></p>
<table>
<tr><th>Telephone</th><th>Status</th><th>Registered</th><th>Checked</th></tr>
{{range .Tasks}}
<tr>
<td>{{.Telephone}}</td>
<td class="status-{{.Status}}">{{.Status}}</td>
<td>{{deref .RegistrationDate}}</td>
<td>{{if .CheckedAt}}{{.CheckedAt.Format "2006-01-02 15:04"}}{{end}}</td>
</tr>
{{end}}
</table>
<p class="pager">
{{if gt .Page 1}}<a href="/?page={{.PrevPage}}">&laquo; Prev</a>{{end}}
Page {{.Page}} of {{.LastPage}}
{{if lt .Page .LastPage}}<a href="/?page={{.NextPage}}">Next &raquo;</a>{{end}}
</p>
</body>
</html>
`))
