package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sort"

	"github.com/morezero/peer-broker/pkg/adapter"
	"github.com/morezero/peer-broker/pkg/communication"
	"github.com/morezero/peer-broker/pkg/model"
)

// service is the part of Communication the HTTP pages read.
type service interface {
	Health(ctx context.Context) *communication.HealthOutput
	Adapters() []adapter.Metadata
	RoutingRules() map[model.Identifier]model.RoutingRule
	ListMessageInfo(ctx context.Context) ([]model.MessageInfo, error)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.svc.Health(ctx)
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

// homePageTemplate is the HTML status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Peer Broker</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Peer Broker</h1>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Broker: {{if .Health.Checks.Broker}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}
       Store: {{if .Health.Checks.Store}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>
    <p>Output adapters: <span class="stat">{{.Health.OutputAdapters}}</span>,
       input adapters: <span class="stat">{{.Health.InputAdapters}}</span>,
       pending deliveries: <span class="stat">{{.Health.PendingDelivery}}</span>,
       input replicas: <span class="stat">{{.Health.InputReplicas}}</span> (backlog {{.Health.InputBacklog}})</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Adapters</h2>
    {{if not .Adapters}}<p>No adapters registered.</p>{{else}}
    <table>
      <thead><tr><th>Name</th><th>Version</th><th>Stateful</th></tr></thead>
      <tbody>
        {{range .Adapters}}<tr><td>{{.Name}}</td><td>{{.Version}}</td><td>{{.Stateful}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Routing rules</h2>
    {{if not .Rules}}<p>No routing rules.</p>{{else}}
    <table>
      <thead><tr><th>Id</th><th>Type</th><th>Subtype</th><th>Sender</th><th>Receiver</th><th>Route</th></tr></thead>
      <tbody>
        {{range .Rules}}<tr><td>{{.ID}}</td><td>{{.Rule.Type}}</td><td>{{.Rule.Subtype}}</td><td>{{.Rule.Sender}}</td><td>{{.Rule.Receiver}}</td><td>{{.Rule.Route}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Message types</h2>
    {{if .MessageInfoError}}<p class="error">Could not load message info: {{.MessageInfoError}}</p>
    {{else if not .MessageInfo}}<p>No message info.</p>{{else}}
    <table>
      <thead><tr><th>Type</th><th>Subtype</th><th>Purpose</th><th>Valid answer</th></tr></thead>
      <tbody>
        {{range .MessageInfo}}<tr><td>{{.Type}}</td><td>{{.Subtype}}</td><td>{{.Purpose}}</td><td>{{.ValidAnswer}}</td></tr>{{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

type ruleRow struct {
	ID   string
	Rule model.RoutingRule
}

// homeData is the data passed to the home page template.
type homeData struct {
	Health           *communication.HealthOutput
	Adapters         []adapter.Metadata
	Rules            []ruleRow
	MessageInfo      []model.MessageInfo
	MessageInfoError string
}

// handleHome returns an HTTP handler for the status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Health:   s.svc.Health(ctx),
			Adapters: s.svc.Adapters(),
		}
		for id, rule := range s.svc.RoutingRules() {
			data.Rules = append(data.Rules, ruleRow{ID: id.ID, Rule: rule})
		}
		sort.Slice(data.Rules, func(i, j int) bool { return data.Rules[i].ID < data.Rules[j].ID })

		info, err := s.svc.ListMessageInfo(ctx)
		if err != nil {
			data.MessageInfoError = err.Error()
		} else {
			data.MessageInfo = info
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
