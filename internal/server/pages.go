package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/alfredjeanlab/gados/internal/artifacts"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/reporting"
	"github.com/alfredjeanlab/gados/internal/validator"
)

//go:embed templates/*.html
var templateFS embed.FS

const dashboardStories = 30

// pages holds one template set per page, each parsed with the shared layout.
var pages = func() map[string]*template.Template {
	names := []string{
		"dashboard", "artifacts", "view", "create", "decisions", "validate",
		"reports", "beta_runs", "beta_run_detail", "inbox",
	}
	out := make(map[string]*template.Template, len(names))
	for _, n := range names {
		out[n] = template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+n+".html"))
	}
	return out
}()

// render executes the named page into a buffer so template errors become a
// clean 500 instead of a half-written page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, page string, data any) {
	var buf bytes.Buffer
	if err := pages[page].ExecuteTemplate(&buf, "layout", data); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// registerPages mounts the HTML views and the plain endpoints.
func (s *Server) registerPages(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /view", s.handleView)
	mux.HandleFunc("GET /create", s.handleCreatePage)
	mux.HandleFunc("GET /decisions", s.handleDecisions)
	mux.HandleFunc("GET /validate", s.handleValidatePage)
	mux.HandleFunc("GET /validate.txt", s.handleValidateText)
	mux.HandleFunc("GET /reports", s.handleReports)
	mux.HandleFunc("GET /beta/runs", s.handleBetaRuns)
	mux.HandleFunc("GET /beta/runs/{run_id}", s.handleBetaRunDetail)
	mux.HandleFunc("GET /inbox", s.handleInboxPage)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /debug/trace", s.handleDebugTrace)
	mux.Handle("GET /metrics", s.metrics.Handler())
}

type storyRow struct {
	ID     string
	Rel    string
	Status string
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	epics, err := artifacts.EpicSpecs(s.project)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	specs, err := artifacts.StorySpecs(s.project)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	byStatus := make(map[string]int)
	stories := make([]storyRow, 0, len(specs))
	for _, path := range specs {
		rel := s.project.Rel(path)
		md, err := artifacts.Read(s.project, rel)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := artifacts.ParseStatus(md)
		if status == "" {
			status = "UNKNOWN"
		}
		byStatus[status]++
		stories = append(stories, storyRow{
			ID:     strings.TrimSuffix(filepath.Base(path), ".md"),
			Rel:    rel,
			Status: status,
		})
	}
	s.render(w, r, "dashboard", map[string]any{
		"EpicCount":  len(epics),
		"StoryCount": len(stories),
		"Stories":    stories[:min(len(stories), dashboardStories)],
		"ByStatus":   reporting.SortStatuses(byStatus),
	})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	items, err := artifacts.List(s.project, dir)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "artifacts", map[string]any{"Dir": dir, "Items": items})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	content, err := artifacts.Read(s.project, rel)
	if err != nil {
		// Escaping paths are reported as missing, like absent files.
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.render(w, r, "view", map[string]any{"Path": rel, "Content": content})
}

func (s *Server) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "create", nil)
}

// listFiles returns the files under dir accepted by keep, newest name first.
func (s *Server) listFiles(dir string, keep func(name string) bool) ([]artifacts.Entry, error) {
	entries, err := artifacts.List(s.project, dir)
	if err != nil {
		return nil, err
	}
	var out []artifacts.Entry
	for _, e := range entries {
		if !e.IsDir && keep(e.Name) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b artifacts.Entry) int { return strings.Compare(b.Name, a.Name) })
	return out, nil
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	items, err := s.listFiles("decision", func(name string) bool { return name != "README.md" })
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "decisions", map[string]any{"Items": items})
}

func (s *Server) handleValidatePage(w http.ResponseWriter, r *http.Request) {
	findings, err := s.validate()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "validate", map[string]any{"Findings": findings})
}

func (s *Server) handleValidateText(w http.ResponseWriter, r *http.Request) {
	findings, err := s.validate()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(validator.FormatText(findings)))
}

// validate runs the validator and records the outcome on the metrics.
func (s *Server) validate() ([]validator.Finding, error) {
	findings, err := validator.Validate(s.project)
	if err != nil {
		return nil, err
	}
	s.metrics.SetValidation(validator.Counts(findings))
	return findings, nil
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.listFiles("log/reports", func(name string) bool {
		return strings.HasPrefix(name, "REPORT-") && strings.HasSuffix(name, ".md")
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "reports", map[string]any{"Reports": reports})
}

func (s *Server) handleBetaRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "beta_runs", map[string]any{"Runs": runs})
}

func (s *Server) handleBetaRunDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.runs.Get(r.PathValue("run_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "beta_run_detail", detail)
}

func (s *Server) handleInboxPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := q.Get("role")
	if role == "" {
		role = defaultRole
	}
	agentID := q.Get("agent_id")
	if agentID == "" {
		agentID = defaultAgentID
	}
	msgs, err := s.bus.Inbox(r.Context(), role, agentID, bus.DefaultInboxLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "inbox", map[string]any{"Role": role, "AgentID": agentID, "Messages": msgs})
}

// healthBody is the readiness payload shared by /health and /v1/health.
func (s *Server) healthBody() map[string]any {
	status := "STARTING"
	if s.Ready() {
		status = "READY"
	}
	return map[string]any{
		"status":       status,
		"ready":        s.Ready(),
		"auth_enabled": s.AuthEnabled(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.healthBody())
}

func (s *Server) handleDebugTrace(w http.ResponseWriter, r *http.Request) {
	s.metrics.DebugTraces.Inc()
	s.logger.InfoContext(r.Context(), "debug_trace_called")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
