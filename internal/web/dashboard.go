package web

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/Fimeg/Coquette-sub001/internal/audit"
	"github.com/Fimeg/Coquette-sub001/internal/buildinfo"
	"github.com/Fimeg/Coquette-sub001/internal/queue"
)

// DashboardData is the template context for the overview page.
type DashboardData struct {
	ActiveNav  string
	Version    string
	Uptime     string
	Current    string
	Providers  []ProviderView
	Queue      queue.Stats
	Pending    []queue.PendingRequest
	AuditOn    bool
	Recoveries []recoveryRow
}

// recoveryRow is a display-friendly recovery outcome for the dashboard
// table. Reasoning arrives as markdown and is rendered to HTML.
type recoveryRow struct {
	When        string
	OperationID string
	Operation   string
	Disposition string
	Operations  int
	Reasoning   template.HTML
}

// handleDashboard renders the overview page at "/". Only exact "/"
// requests get the dashboard; all other paths return 404.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := DashboardData{
		ActiveNav: "overview",
		Version:   buildinfo.Version,
		Uptime:    formatDuration(buildinfo.Uptime()),
		Current:   s.sel.Current(),
		Providers: s.providerViews(),
		Queue:     s.queue.GetStats(),
		Pending:   s.queue.Pending(),
	}

	if s.store != nil {
		data.AuditOn = true
		rows, err := s.store.RecentRecoveries(10)
		if err != nil {
			s.logger.Error("recovery query failed", "error", err)
		} else {
			data.Recoveries = recoveriesToRows(rows)
		}
	}

	s.render(w, r, "dashboard.html", data)
}

func recoveriesToRows(rows []audit.Recovery) []recoveryRow {
	out := make([]recoveryRow, 0, len(rows))
	for _, rec := range rows {
		out = append(out, recoveryRow{
			When:        timeAgo(rec.Timestamp),
			OperationID: rec.OperationID,
			Operation:   rec.Operation,
			Disposition: rec.Disposition,
			Operations:  rec.Operations,
			Reasoning:   renderMarkdown(rec.Reasoning),
		})
	}
	return out
}

// renderMarkdown converts specialist reasoning markdown to HTML.
// goldmark escapes raw HTML in the source by default, so the reasoning
// text cannot smuggle markup into the page.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}
