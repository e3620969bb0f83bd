package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/digiblynk/pumpcore/internal/ingest"
)

// webhookBody is the JSON fallback for pin and value.
type webhookBody struct {
	Pin   string          `json:"pin"`
	Value json.RawMessage `json:"value"`
}

// handleWebhook ingests a relay push. pin and value come from the query
// string, falling back to a JSON body.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pin := strings.TrimSpace(q.Get("pin"))
	value := strings.TrimSpace(q.Get("value"))

	if pin == "" || value == "" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeBadRequest(w, "reading request body")
			return
		}
		var b webhookBody
		if len(body) > 0 && json.Unmarshal(body, &b) == nil {
			if pin == "" {
				pin = strings.TrimSpace(b.Pin)
			}
			if value == "" {
				value = rawValue(b.Value)
			}
		}
	}

	res, err := s.webhook.Ingest(r.Context(), ingest.Push{Channel: pin, Value: value})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	ch, _ := s.channels.Resolve(pin)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"updated": ch.Field,
		"value":   res.Values[ch.Field],
		"changed": nonNil(res.Changed),
	})
}

// handleWebhookURLs lists the webhook URL to configure on the relay for
// each channel, built from api.public_url.
func (s *Server) handleWebhookURLs(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(s.cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}

	type entry struct {
		Channel string `json:"channel"`
		Field   string `json:"field"`
		Name    string `json:"name,omitempty"`
		URL     string `json:"url"`
	}
	urls := make([]entry, 0, s.channels.Len())
	for _, ch := range s.channels.All() {
		urls = append(urls, entry{
			Channel: ch.ID,
			Field:   ch.Field,
			Name:    ch.Name,
			URL:     fmt.Sprintf("%s/api/v1/webhook?pin=%s&value={value}", base, url.QueryEscape(ch.ID)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": urls})
}
