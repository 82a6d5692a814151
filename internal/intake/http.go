// Package intake receives raw webhook deliveries over HTTP and the
// relay topic, verifies them, and hands them to the engine. It also
// serves the small operator API (rules, diagnostics, health).
package intake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"taskping/internal/config"
	"taskping/internal/diag"
	"taskping/internal/tracker"
	logx "taskping/pkg/logx"
)

const maxBodyBytes = 1 << 20

// WebhookEngine is the slice of the engine the HTTP layer needs.
type WebhookEngine interface {
	HandleWebhook(ctx context.Context, wd tracker.WebhookDelivery) error
	Rules() *config.Rules
	ReloadRules() *config.Rules
}

type HTTPConfig struct {
	Addr          string
	GitHubSecret  string
	ClickUpSecret string
}

type Server struct {
	log logx.Logger
	cfg HTTPConfig
	eng WebhookEngine
	rec *diag.Recorder

	srv *http.Server
}

func NewServer(cfg HTTPConfig, eng WebhookEngine, rec *diag.Recorder, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{log: log, cfg: cfg, eng: eng, rec: rec}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.POST("/webhooks/github", s.handleGitHub)
	r.POST("/webhooks/clickup", s.handleClickUp)

	api := r.Group("/api/v0")
	{
		api.GET("/diagnostics", s.handleDiagnostics)
		api.GET("/rules", s.handleRules)
		api.POST("/rules/reload", s.handleRulesReload)
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the listener until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http intake listening", logx.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGitHub(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	// GitHub sends "sha256=<hex>"; verification is skipped when no secret
	// is configured (local development).
	sig := c.GetHeader("X-Hub-Signature-256")
	if !verifySignature(body, sig, s.cfg.GitHubSecret, "sha256=") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	s.dispatch(c, tracker.WebhookDelivery{
		Source:    "github",
		EventType: c.GetHeader("X-GitHub-Event"),
		Payload:   body,
	})
}

func (s *Server) handleClickUp(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	sig := c.GetHeader("X-Signature")
	if !verifySignature(body, sig, s.cfg.ClickUpSecret, "") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	s.dispatch(c, tracker.WebhookDelivery{
		Source:    "clickup",
		EventType: clickUpEventType(body),
		Payload:   body,
	})
}

func (s *Server) dispatch(c *gin.Context, wd tracker.WebhookDelivery) {
	if err := s.eng.HandleWebhook(c.Request.Context(), wd); err != nil {
		s.log.Error("webhook handling failed",
			logx.String("source", wd.Source),
			logx.String("event", wd.EventType),
			logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return nil, false
	}
	return body, true
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var entries []diag.Entry
	if s.rec != nil {
		entries = s.rec.Snapshot(limit)
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleRules(c *gin.Context) {
	c.JSON(http.StatusOK, rulesView(s.eng.Rules()))
}

func (s *Server) handleRulesReload(c *gin.Context) {
	r := s.eng.ReloadRules()
	s.log.Info("rules reloaded via api",
		logx.String("mode", string(r.Mode)),
		logx.Int("threshold", r.Threshold))
	c.JSON(http.StatusOK, rulesView(r))
}

func rulesView(r *config.Rules) gin.H {
	triggers := map[string]bool{}
	for t, on := range r.Triggers {
		triggers[string(t)] = on
	}
	return gin.H{
		"mode":      string(r.Mode),
		"threshold": r.Threshold,
		"triggers":  triggers,
		"origin":    r.Origin,
		"loaded_at": r.LoadedAt,
	}
}

// verifySignature checks an HMAC-SHA256 hex signature with an optional
// scheme prefix. An empty secret disables verification.
func verifySignature(payload []byte, signature, secret, prefix string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := prefix + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// clickUpEventType pulls the "event" field out of the payload; ClickUp
// does not carry the event name in a header.
func clickUpEventType(body []byte) string {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Event
}
