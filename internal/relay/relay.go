// Package relay forwards model calls to the upstream provider, attaching the
// API credential server-side so it never reaches clients.
package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 120 * time.Second

// Forwarder proxies POST bodies verbatim to the upstream endpoint with the
// key appended as a query parameter. Upstream status and body pass through
// untouched, success or failure.
type Forwarder struct {
	Upstream   string
	APIKey     func() string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewForwarder(upstream string, apiKey func() string, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		Upstream:   upstream,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		Logger:     logger,
	}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		f.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	target, err := f.targetURL()
	if err != nil {
		f.Logger.Error("relay misconfigured", zap.Error(err))
		f.fail(w, http.StatusBadGateway, "relay upstream misconfigured")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, r.Body)
	if err != nil {
		f.fail(w, http.StatusBadGateway, "relay request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		f.Logger.Warn("upstream call failed", zap.Error(err))
		f.fail(w, http.StatusBadGateway, "upstream call failed")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.Logger.Warn("copy upstream body", zap.Error(err))
	}
}

func (f *Forwarder) targetURL() (string, error) {
	u, err := url.Parse(f.Upstream)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("key", f.APIKey())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Forwarder) fail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
