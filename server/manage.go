package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"modwatch/pkg/modwatch"
	"modwatch/storage"
)

// handleSeen marks changes seen: everything with all=1, a whole target, or
// the listed ids of a target.
func (s *Server) handleSeen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	if r.FormValue("all") == "1" {
		if err := s.monitor.MarkAllSeen(r.Context()); err != nil {
			s.writeError(w, "mark seen", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"badge": s.monitor.Badge()})
		return
	}

	t, err := modwatch.ParseTarget(r.FormValue("target"))
	if err != nil {
		s.writeError(w, "mark seen", fmt.Errorf("%w: %w", storage.ErrInvalidTarget, err))
		return
	}
	var ids []string
	if raw := strings.TrimSpace(r.FormValue("ids")); raw != "" {
		for id := range strings.SplitSeq(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}

	n, err := s.monitor.MarkSeen(r.Context(), t, ids)
	if err != nil {
		s.writeError(w, "mark seen", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"marked": n, "badge": s.monitor.Badge()})
}

func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"text":     s.monitor.Badge(),
		"count":    s.monitor.Unseen(),
		"degraded": s.monitor.Degraded(),
	})
}

// handleOpen is the notification link: it marks the target seen and sends
// the browser to the page showing its changes.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t, err := modwatch.ParseTarget(r.URL.Query().Get("target"))
	if err != nil {
		http.Error(w, "Invalid or missing target", http.StatusBadRequest)
		return
	}
	dest, err := s.monitor.ResolveTarget(r.Context(), t)
	if err != nil {
		s.writeError(w, "open", err)
		return
	}
	http.Redirect(w, r, dest, http.StatusSeeOther)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.monitor.History(r.Context())
	if err != nil {
		s.writeError(w, "history", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
	data := map[string]any{
		"Rows":     rows,
		"Degraded": s.monitor.Degraded(),
	}
	if err := templates.ExecuteTemplate(w, "history.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "history.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

const maxOptionsBody = 64 << 10

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		opts, err := s.monitor.Options(r.Context())
		if err != nil {
			s.writeError(w, "options", err)
			return
		}
		s.writeJSON(w, http.StatusOK, opts)

	case http.MethodPut:
		// Start from the stored options so partial updates keep other fields.
		opts, err := s.monitor.Options(r.Context())
		if err != nil {
			s.writeError(w, "options", err)
			return
		}
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOptionsBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			http.Error(w, "Invalid options: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := opts.Validate(); err != nil {
			http.Error(w, "Invalid options: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.monitor.SetOptions(r.Context(), opts); err != nil {
			s.writeError(w, "options", err)
			return
		}
		if s.scheduler != nil {
			if err := s.scheduler.Reschedule(opts.Interval); err != nil {
				s.logger.Warn("Failed to reschedule polling", "interval", opts.Interval, "error", err)
			}
		}
		s.logger.Info("Options updated", "interval", opts.Interval, "seen_count", opts.SeenCount)
		s.writeJSON(w, http.StatusOK, opts)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
