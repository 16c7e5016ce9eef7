// mock-destination is a scriptable fake of the destination chat API plus its
// token endpoint, for end-to-end runs of cmd/migrate against localhost.
//
// MOCK_OUTCOMES scripts per-request behavior for the message endpoint as a
// comma list: "ok", "401", "429:<seconds>", or any numeric status
// (e.g. "500"). Once the script is exhausted every request succeeds.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"chatmigrate/internal/logging"
)

type config struct {
	Port         string `envconfig:"PORT" default:"8080"`
	AccessToken  string `envconfig:"MOCK_ACCESS_TOKEN" default:"mock-access-0"`
	RefreshToken string `envconfig:"MOCK_REFRESH_TOKEN" default:"mock-refresh-0"`
	OutcomesRaw  string `envconfig:"MOCK_OUTCOMES" default:""`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"text"`
}

type outcome struct {
	kind       string // "ok", "status", "rate_limited"
	status     int
	retryAfter int
}

type postedMessage struct {
	ID      string `json:"id"`
	RoomID  string `json:"roomId"`
	Format  string `json:"format"`
	Content string `json:"content"`
}

type server struct {
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	rotations    int
	outcomes     []outcome
	next         int
	posted       []postedMessage
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	logging.Init("mock-destination", cfg.LogFormat, "info")

	outcomes, err := parseOutcomes(cfg.OutcomesRaw)
	if err != nil {
		slog.Error("bad MOCK_OUTCOMES", "err", err)
		os.Exit(1)
	}

	s := &server{
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
		outcomes:     outcomes,
	}

	router := mux.NewRouter()
	router.HandleFunc("/rooms/{roomID}/messages", s.createMessage).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{roomID}/messages", s.listMessages).Methods(http.MethodGet)
	router.HandleFunc("/token", s.exchangeToken).Methods(http.MethodPost)

	addr := ":" + cfg.Port
	slog.Info("mock destination listening", "addr", addr, "scripted_outcomes", len(outcomes))
	if err := http.ListenAndServe(addr, router); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func parseOutcomes(raw string) ([]outcome, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []outcome
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "ok":
			out = append(out, outcome{kind: "ok"})
		case strings.HasPrefix(tok, "429"):
			secs := 1
			if rest, found := strings.CutPrefix(tok, "429:"); found {
				n, err := strconv.Atoi(rest)
				if err != nil {
					return nil, fmt.Errorf("bad 429 outcome %q", tok)
				}
				secs = n
			}
			out = append(out, outcome{kind: "rate_limited", status: http.StatusTooManyRequests, retryAfter: secs})
		default:
			status, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("unknown outcome %q", tok)
			}
			out = append(out, outcome{kind: "status", status: status})
		}
	}
	return out, nil
}

func (s *server) nextOutcome() outcome {
	if s.next >= len(s.outcomes) {
		return outcome{kind: "ok"}
	}
	o := s.outcomes[s.next]
	s.next++
	return o
}

func (s *server) createMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+s.accessToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid or expired token"})
		return
	}

	o := s.nextOutcome()
	switch o.kind {
	case "rate_limited":
		w.Header().Set("Retry-After", strconv.Itoa(o.retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "rate limit exceeded"})
		return
	case "status":
		writeJSON(w, o.status, map[string]string{"message": "scripted outcome"})
		return
	}

	var body struct {
		Format  string `json:"format"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad payload"})
		return
	}
	msg := postedMessage{
		ID:      fmt.Sprintf("msg-%d", len(s.posted)+1),
		RoomID:  mux.Vars(r)["roomID"],
		Format:  body.Format,
		Content: body.Content,
	}
	s.posted = append(s.posted, msg)
	slog.Info("message posted", "room", msg.RoomID, "id", msg.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": msg.ID})
}

func (s *server) listMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := mux.Vars(r)["roomID"]
	out := make([]postedMessage, 0, len(s.posted))
	for _, m := range s.posted {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// exchangeToken rotates the pair on a valid refresh grant and invalidates
// the previous access token, so a scripted 401 exercises the real refresh
// path end to end.
func (s *server) exchangeToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostFormValue("grant_type") != "refresh_token" || r.PostFormValue("refresh_token") != s.refreshToken {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token is invalid or revoked",
		})
		return
	}

	s.rotations++
	s.accessToken = fmt.Sprintf("mock-access-%d", s.rotations)
	s.refreshToken = fmt.Sprintf("mock-refresh-%d", s.rotations)
	slog.Info("token pair rotated", "rotation", s.rotations)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  s.accessToken,
		"refresh_token": s.refreshToken,
		"expires_in":    int((time.Hour).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
