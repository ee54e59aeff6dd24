package federation

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

// maxBundleBytes bounds a single bundle POST body.
const maxBundleBytes = 1 << 20

// Server exposes the federation ingest endpoint.
type Server struct {
	Verifier   *Verifier
	Store      *store.Store
	httpServer *http.Server
}

// NewServer creates the ingest server.
func NewServer(verifier *Verifier, st *store.Store, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{Verifier: verifier, Store: st}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.POST("/api/v1/federation/bundles", s.handleBundle)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	log.Printf("[INFO] federation server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("federation server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleBundle(c *gin.Context) {
	peerName := c.GetHeader(HeaderPeer)
	sigB64 := c.GetHeader(HeaderSignature)
	digestHex := c.GetHeader(HeaderDigest)
	if peerName == "" || sigB64 == "" || digestHex == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing peer, signature, or digest header"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBundleBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	if len(body) > maxBundleBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bundle exceeds size limit"})
		return
	}

	signal, err := s.Verifier.Ingest(peerName, body, sigB64, digestHex)
	if err != nil {
		status := model.HTTPStatus(err)
		// Security events get their own audit trail so operators can tell
		// tampering from misconfiguration.
		if model.IsSecurityEvent(err) {
			log.Printf("[ERROR] SECURITY federation ingest from %q: %v", peerName, err)
			s.Store.AuditEvent("federation_ingest", "", "rejected", "security", err.Error())
		} else {
			log.Printf("[WARN] federation ingest from %q rejected: %v", peerName, err)
			s.Store.AuditEvent("federation_ingest", "", "rejected", "warn", err.Error())
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	s.Store.AuditEvent("federation_ingest", "", "ok", "info",
		fmt.Sprintf("peer=%s strength=%.3f signals=%d", peerName, signal.SummaryStrength, len(signal.Signals)))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
