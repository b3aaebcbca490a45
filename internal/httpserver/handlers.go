package httpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/ctfrange/orchestrator/internal/apierr"
	"github.com/ctfrange/orchestrator/internal/captcha"
	"github.com/ctfrange/orchestrator/internal/enginedriver"
	"github.com/ctfrange/orchestrator/internal/eventbus"
	"github.com/ctfrange/orchestrator/internal/orchestrator"
	"github.com/ctfrange/orchestrator/internal/resourcemon"
	"github.com/ctfrange/orchestrator/internal/store"
)

var (
	_ Orchestrator        = (*orchestrator.Orchestrator)(nil)
	_ CaptchaBroker       = (*captcha.Broker)(nil)
	_ StatusStore         = (*store.Store)(nil)
	_ ResourceSnapshotter = (*resourcemon.Monitor)(nil)
	_ LogReader           = (*enginedriver.DockerDriver)(nil)
	_ EventSubscriber     = (*eventbus.Bus)(nil)
)

// Orchestrator is the subset of *orchestrator.Orchestrator the handlers need.
type Orchestrator interface {
	Deploy(ctx context.Context, userUUID, ip, captchaID, captchaAnswer string) (orchestrator.Deployment, error)
	Stop(ctx context.Context, userUUID string) error
	Restart(ctx context.Context, userUUID, ip string) (orchestrator.Deployment, error)
	Extend(ctx context.Context, userUUID string) (orchestrator.Deployment, error)
	GetOwned(ctx context.Context, userUUID string) (*orchestrator.Deployment, error)
}

// CaptchaBroker is the subset of *captcha.Broker the handlers need.
type CaptchaBroker interface {
	Generate() (captcha.Challenge, error)
}

// StatusStore is the subset of *store.Store the admin status/logs handlers need.
type StatusStore interface {
	ListRunning(ctx context.Context) ([]store.Container, error)
	CountRunning(ctx context.Context) (int, error)
	CountAll(ctx context.Context) (int, error)
	PortPoolCounts(ctx context.Context) (allocated, free int, err error)
	PoolStats() (free, max int32)
}

// ResourceSnapshotter is the subset of *resourcemon.Monitor the admin status
// handler needs.
type ResourceSnapshotter interface {
	Snapshot() resourcemon.Snapshot
}

// LogReader is the subset of enginedriver.Driver the logs handler needs.
type LogReader interface {
	Logs(ctx context.Context, id string, tailLines int, since time.Time) (string, error)
}

// deployRequest is the body of POST /deploy.
type deployRequest struct {
	CaptchaID     string `json:"captcha_id" validate:"required"`
	CaptchaAnswer string `json:"captcha_answer" validate:"required"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleAdminIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, adminHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, map[string]string{
		"status":    "up",
		"challenge": s.cfg.ChallengeImage,
	})
}

func (s *Server) handleGetCaptcha(w http.ResponseWriter, r *http.Request) {
	ch, err := s.captcha.Generate()
	if err != nil {
		s.logger.Error("generating captcha", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "could not generate captcha")
		return
	}

	Respond(w, http.StatusOK, map[string]string{
		"captcha_id":    ch.ID,
		"captcha_image": captchaImageDataURI(ch.Prompt),
	})
}

// captchaImageDataURI renders a prompt as a minimal inline SVG, encoded as a
// data URI so the response stays a single JSON document with no additional
// image-fetch round trip.
func captchaImageDataURI(prompt string) string {
	svg := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="160" height="60">`+
			`<rect width="100%%" height="100%%" fill="#222"/>`+
			`<text x="50%%" y="50%%" fill="#eee" font-size="22" font-family="monospace" `+
			`text-anchor="middle" dominant-baseline="middle">%s</text></svg>`,
		html.EscapeString(prompt),
	)
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if errs := Validate(&req); len(errs) > 0 {
		Respond(w, http.StatusBadRequest, ValidationErrorResponse{
			Error:   "validation_error",
			Message: "one or more fields failed validation",
			Details: errs,
		})
		return
	}

	uid := userUUID(w, r)
	ip := sourceIP(r)

	d, err := s.orchestrator.Deploy(r.Context(), uid, ip, req.CaptchaID, req.CaptchaAnswer)
	if err != nil {
		RespondOrchestrationError(w, s.logger, err)
		return
	}

	Respond(w, http.StatusOK, map[string]any{
		"message": "deployed",
		"port":    d.Port,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	uid := userUUID(w, r)

	if err := s.orchestrator.Stop(r.Context(), uid); err != nil {
		RespondOrchestrationError(w, s.logger, err)
		return
	}

	Respond(w, http.StatusOK, map[string]string{"message": "stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	uid := userUUID(w, r)
	ip := sourceIP(r)

	d, err := s.orchestrator.Restart(r.Context(), uid, ip)
	if err != nil {
		RespondOrchestrationError(w, s.logger, err)
		return
	}

	Respond(w, http.StatusOK, map[string]any{
		"message": "restarted",
		"port":    d.Port,
	})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	uid := userUUID(w, r)

	d, err := s.orchestrator.Extend(r.Context(), uid)
	if err != nil {
		RespondOrchestrationError(w, s.logger, err)
		return
	}

	Respond(w, http.StatusOK, map[string]any{
		"new_expiration_time": d.Expiration,
	})
}

// adminAuth gates admin-only routes: either an X-Admin-Key header or an
// admin_key query parameter matching the configured key, or a caller
// connecting from a loopback/link-local address.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			key = r.URL.Query().Get("admin_key")
		}

		if key != "" && key == s.cfg.AdminKey {
			next.ServeHTTP(w, r)
			return
		}
		if isLocalOrLinkLocal(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		RespondOrchestrationError(w, s.logger, apierr.New(apierr.AdminForbidden, "admin access requires admin_key or a local peer"))
	})
}

type containerStatusView struct {
	ID             string `json:"id"`
	FullID         string `json:"full_id"`
	Port           int    `json:"port"`
	StartTime      int64  `json:"start_time"`
	ExpirationTime int64  `json:"expiration_time"`
	TimeLeft       int64  `json:"time_left"`
	Running        bool   `json:"running"`
	Status         string `json:"status"`
	UserUUID       string `json:"user_uuid"`
	IPAddress      string `json:"ip_address"`
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	running, err := s.store.ListRunning(ctx)
	if err != nil {
		RespondOrchestrationError(w, s.logger, apierr.Wrap(apierr.StoreTransient, "listing running containers", err))
		return
	}
	activeContainers, err := s.store.CountRunning(ctx)
	if err != nil {
		RespondOrchestrationError(w, s.logger, apierr.Wrap(apierr.StoreTransient, "counting running containers", err))
		return
	}
	totalCreated, err := s.store.CountAll(ctx)
	if err != nil {
		RespondOrchestrationError(w, s.logger, apierr.Wrap(apierr.StoreTransient, "counting all containers", err))
		return
	}
	allocated, free, err := s.store.PortPoolCounts(ctx)
	if err != nil {
		RespondOrchestrationError(w, s.logger, apierr.Wrap(apierr.StoreTransient, "counting port pool", err))
		return
	}

	totalPorts := allocated + free
	usagePercent := 0.0
	if totalPorts > 0 {
		usagePercent = float64(allocated) / float64(totalPorts) * 100
	}

	poolFree, poolMax := s.store.PoolStats()

	now := time.Now().Unix()
	containers := make([]containerStatusView, 0, len(running))
	for _, c := range running {
		timeLeft := c.ExpirationTime - now
		if timeLeft < 0 {
			timeLeft = 0
		}
		containers = append(containers, containerStatusView{
			ID:             c.ID,
			FullID:         c.ID,
			Port:           c.Port,
			StartTime:      c.StartTime,
			ExpirationTime: c.ExpirationTime,
			TimeLeft:       timeLeft,
			Running:        c.Status == store.StatusRunning,
			Status:         string(c.Status),
			UserUUID:       c.UserUUID,
			IPAddress:      c.IPAddress,
		})
	}

	resp := map[string]any{
		"status":    "up",
		"challenge": s.cfg.ChallengeImage,
		"metrics": map[string]any{
			"active_containers":        activeContainers,
			"total_containers_created": totalCreated,
			"available_ports":          free,
			"port_usage_percent":       usagePercent,
		},
		"database": map[string]any{
			"host": s.dbHost,
			"name": s.dbName,
			"connection_pool": map[string]any{
				"status":           "up",
				"free_connections": poolFree,
				"max_connections":  poolMax,
			},
		},
		"rate_limiting": map[string]any{
			"max_containers_per_hour": s.cfg.MaxContainersPerSourcePerWindow,
			"window_seconds":          s.cfg.RateLimitWindowSec,
		},
		"containers": containers,
	}

	if s.resources != nil {
		snap := s.resources.Snapshot()
		resp["resources"] = map[string]any{
			"containers":   usageView(snap.Containers),
			"cpu":          usageView(snap.CPU),
			"memory":       usageView(snap.Memory),
			"last_updated": snap.Containers.LastUpdated.Unix(),
		}
	}

	Respond(w, http.StatusOK, resp)
}

func usageView(u resourcemon.Usage) map[string]any {
	return map[string]any{
		"current": u.Current,
		"limit":   u.Limit,
		"percent": u.Percent,
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableLogsEndpoint {
		RespondOrchestrationError(w, s.logger, apierr.New(apierr.NotFound, "logs endpoint disabled"))
		return
	}

	containerID := r.URL.Query().Get("container_id")
	if containerID == "" {
		RespondOrchestrationError(w, s.logger, apierr.New(apierr.NotFound, "container_id is required"))
		return
	}

	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = time.Unix(ts, 0)
		}
	}

	text, err := s.logReader.Logs(r.Context(), containerID, tail, since)
	if err != nil {
		RespondOrchestrationError(w, s.logger, apierr.New(apierr.NotFound, "unknown container_id"))
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, text)
		return
	}

	Respond(w, http.StatusOK, map[string]any{"logs": splitLines(text)})
}

func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func (s *Server) handleAdminStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading admin stream", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := s.events.Subscribe(ctx)

	go drainClientReads(conn, cancel)

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// drainClientReads discards inbound frames (this endpoint is write-only)
// and cancels ctx once the client disconnects, unblocking Subscribe.
func drainClientReads(conn wsConn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// EventSubscriber is the subset of *eventbus.Bus the admin stream needs.
type EventSubscriber interface {
	Subscribe(ctx context.Context) <-chan eventbus.Event
}
