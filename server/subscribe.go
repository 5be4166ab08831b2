package server

import (
	"fmt"
	"net/http"
	"strings"

	"modwatch/pkg/modwatch"
	"modwatch/storage"
)

// subscription is the parsed form of a subscribe or unsubscribe request:
// exactly one of user and id.
type subscription struct {
	user    string
	id      string
	pageURL string
}

func parseSubscription(r *http.Request) (subscription, error) {
	if err := r.ParseForm(); err != nil {
		return subscription{}, fmt.Errorf("invalid form data: %w", storage.ErrInvalidTarget)
	}
	sub := subscription{
		user:    strings.TrimSpace(r.FormValue("user")),
		id:      strings.ToLower(strings.TrimSpace(r.FormValue("id"))),
		pageURL: strings.TrimSpace(r.FormValue("page_url")),
	}
	switch {
	case (sub.user == "") == (sub.id == ""):
		return sub, fmt.Errorf("give exactly one of user or id: %w", storage.ErrInvalidTarget)
	case sub.user != "" && !modwatch.ValidUsername(sub.user):
		return sub, fmt.Errorf("username %q: %w", sub.user, storage.ErrInvalidTarget)
	case sub.id != "" && !modwatch.ValidThingID(sub.id):
		return sub, fmt.Errorf("id %q: %w", sub.id, storage.ErrInvalidTarget)
	}
	return sub, nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.limited(w, r) {
		return
	}

	sub, err := parseSubscription(r)
	if err != nil {
		s.writeError(w, "subscribe", err)
		return
	}

	if sub.user != "" {
		err = s.monitor.SubscribeUser(r.Context(), sub.user, sub.pageURL)
	} else {
		err = s.monitor.SubscribeID(r.Context(), sub.id, sub.pageURL)
	}
	if err != nil {
		s.writeError(w, "subscribe", err)
		return
	}

	s.logger.Info("Subscription created", "user", sub.user, "id", sub.id, "from", sub.pageURL, "ip", clientIP(r))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "subscribed",
		"badge":  s.monitor.Badge(),
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.limited(w, r) {
		return
	}

	sub, err := parseSubscription(r)
	if err != nil {
		s.writeError(w, "unsubscribe", err)
		return
	}

	if sub.user != "" {
		err = s.monitor.UnsubscribeUser(r.Context(), sub.user)
	} else {
		err = s.monitor.UnsubscribeID(r.Context(), sub.id)
	}
	if err != nil {
		s.writeError(w, "unsubscribe", err)
		return
	}

	s.logger.Info("Subscription removed", "user", sub.user, "id", sub.id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "unsubscribed",
		"badge":  s.monitor.Badge(),
	})
}
