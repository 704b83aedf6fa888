package httpapi

import (
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"

	"github.com/lexworks/casemover/internal/casemover"
)

const dashboardHead = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta http-equiv="refresh" content="5" />
  <title>CaseMover Migrations</title>
  <style>
    body { margin: 0; padding: 24px; font-family: "Segoe UI", sans-serif; background: #f4f6f5; color: #15282a; }
    h1 { font-size: 1.4rem; margin: 0 0 4px; }
    .sub { color: #6b7a7a; margin-bottom: 18px; }
    table { border-collapse: collapse; width: 100%; background: #fff; box-shadow: 0 2px 10px rgba(21,40,42,.08); }
    th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid #e1e7e5; font-size: .85rem; }
    th { background: #eef2f0; text-transform: uppercase; font-size: .7rem; letter-spacing: .05em; color: #53605f; }
    .running { color: #1f7a9d; font-weight: 600; }
    .done { color: #1f9d58; font-weight: 600; }
    .error { color: #c2483f; font-weight: 600; }
    .warn { color: #b2762c; }
    .log { font-family: ui-monospace, monospace; font-size: .75rem; color: #53605f; white-space: pre-wrap; }
  </style>
</head>
<body>
  <h1>CaseMover Migrations</h1>
  <div class="sub">Job registry snapshot, refreshes every 5 seconds.</div>
`

// handleDashboard renders the job registry as plain server-side HTML. It is an
// operator convenience over the same snapshots the JSON API serves.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var b strings.Builder
	b.WriteString(dashboardHead)

	if s.tracker == nil {
		b.WriteString(`  <p>Job tracking is not configured.</p>`)
		b.WriteString("\n</body>\n</html>\n")
		_, _ = w.Write([]byte(b.String()))
		return
	}

	jobs := s.tracker.List()
	if len(jobs) == 0 {
		b.WriteString(`  <p>No migration jobs yet.</p>`)
	}
	for _, job := range jobs {
		fmt.Fprintf(&b, `  <h2>%s <span class="%s">%s</span></h2>`+"\n",
			html.EscapeString(job.ID), html.EscapeString(job.Status), html.EscapeString(job.Status))
		fmt.Fprintf(&b, `  <div class="sub">org %s, created %s</div>`+"\n",
			html.EscapeString(job.OrgID), job.CreatedAt.Format("2006-01-02 15:04:05"))

		b.WriteString("  <table>\n    <tr><th>Resource</th><th>Phase</th><th>Extracted</th><th>Loaded</th><th>Skipped</th><th>Failed</th></tr>\n")
		for _, resource := range sortedResources(job) {
			counts := job.Counts[resource]
			fmt.Fprintf(&b, "    <tr><td>%s</td><td>%s</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td></tr>\n",
				html.EscapeString(resource), html.EscapeString(job.Phases[resource]),
				counts.Extracted, counts.Loaded, counts.Skipped, counts.Failed)
		}
		b.WriteString("  </table>\n")

		if len(job.Warnings) > 0 {
			fmt.Fprintf(&b, `  <p class="warn">%d warnings</p>`+"\n", len(job.Warnings))
		}
		if len(job.Log) > 0 {
			tail := job.Log
			if len(tail) > 10 {
				tail = tail[len(tail)-10:]
			}
			b.WriteString(`  <div class="log">`)
			for _, line := range tail {
				b.WriteString(html.EscapeString(line))
				b.WriteString("\n")
			}
			b.WriteString("</div>\n")
		}
	}

	b.WriteString("</body>\n</html>\n")
	_, _ = w.Write([]byte(b.String()))
}

func sortedResources(job casemover.ImportJob) []string {
	resources := make([]string, 0, len(job.Phases))
	for resource := range job.Phases {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	return resources
}
