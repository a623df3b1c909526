package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/dealdesk/mailsync/internal/provider"
	"github.com/dealdesk/mailsync/internal/store"
	"github.com/dealdesk/mailsync/internal/sync"
)

// maxNotifyBody caps the push payload; real notifications are a few
// hundred bytes.
const maxNotifyBody = 64 * 1024

// Syncer runs mailbox synchronization on demand.
type Syncer interface {
	SyncOne(ctx context.Context, ownerID string) sync.Result
	SyncAll(ctx context.Context) (sync.Report, error)
}

// LeaseManager drives the push-notification lease lifecycle.
type LeaseManager interface {
	Register(ctx context.Context, ownerID string) (*provider.Lease, error)
	Renew(ctx context.Context, ownerID string) (*provider.Lease, error)
	Unregister(ctx context.Context, ownerID string)
	DecodeNotification(ctx context.Context, payload []byte) (string, bool)
}

// CredentialWriter persists mailbox credentials.
type CredentialWriter interface {
	SaveCredential(ctx context.Context, c *store.Credential) error
}

// PushVerifier checks the bearer token the push relay attaches.
type PushVerifier interface {
	Verify(raw string) error
}

type Server struct {
	syncer    Syncer
	leases    LeaseManager
	creds     CredentialWriter
	verifier  PushVerifier // nil disables push authentication
	jwtSecret []byte
	log       *zap.Logger
}

func New(syncer Syncer, leases LeaseManager, creds CredentialWriter, verifier PushVerifier, jwtSecret []byte, log *zap.Logger) *Server {
	return &Server{
		syncer:    syncer,
		leases:    leases,
		creds:     creds,
		verifier:  verifier,
		jwtSecret: jwtSecret,
		log:       log,
	}
}

// Router builds the gin engine. Exposed separately from Run so tests
// can drive it with httptest.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/sync/notify", s.handleNotify)

	admin := r.Group("/admin")
	admin.Use(s.authMiddleware())

	admin.POST("/sweep", s.handleSweep)
	admin.PUT("/mailboxes/:owner/credential", s.handlePutCredential)
	admin.POST("/mailboxes/:owner/sync", s.handleSyncOne)
	admin.POST("/mailboxes/:owner/watch", s.handleWatch)
	admin.POST("/mailboxes/:owner/watch/renew", s.handleRenewWatch)
	admin.DELETE("/mailboxes/:owner/watch", s.handleUnwatch)

	return r
}

func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

// handleNotify accepts provider push notifications. It always returns
// 204: any other status makes the relay redeliver in a tight loop, and
// the scheduled sweep covers whatever a dropped notification would
// have triggered.
func (s *Server) handleNotify(c *gin.Context) {
	defer c.Status(http.StatusNoContent)

	if s.verifier != nil {
		raw := bearerToken(c.GetHeader("Authorization"))
		if err := s.verifier.Verify(raw); err != nil {
			s.log.Warn("rejected push notification", zap.Error(err))
			return
		}
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotifyBody))
	if err != nil {
		s.log.Warn("failed to read push payload", zap.Error(err))
		return
	}

	owner, ok := s.leases.DecodeNotification(c.Request.Context(), payload)
	if !ok {
		return
	}

	// The relay only needs the ack; the sync happens off-request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.syncer.SyncOne(ctx, owner)
	}()
}

func (s *Server) handleSyncOne(c *gin.Context) {
	res := s.syncer.SyncOne(c.Request.Context(), c.Param("owner"))
	if !res.Success {
		status := http.StatusBadGateway
		if res.ErrTag == sync.TagAuthDisconnected {
			status = http.StatusConflict
		}
		c.JSON(status, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSweep(c *gin.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := s.syncer.SyncAll(ctx); err != nil {
			s.log.Error("manual sweep failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "sweep started"})
}

type credentialRequest struct {
	Address      string `json:"address" binding:"required"`
	Provider     string `json:"provider" binding:"required"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (s *Server) handlePutCredential(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cred := &store.Credential{
		OwnerID:      c.Param("owner"),
		Address:      strings.ToLower(req.Address),
		Provider:     req.Provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}
	if req.ExpiresAt > 0 {
		t := time.Unix(req.ExpiresAt, 0)
		cred.ExpiresAt = &t
	}

	if err := s.creds.SaveCredential(c.Request.Context(), cred); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"owner_id": cred.OwnerID, "address": cred.Address})
}

func (s *Server) handleWatch(c *gin.Context) {
	lease, err := s.leases.Register(c.Request.Context(), c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, lease)
}

func (s *Server) handleRenewWatch(c *gin.Context) {
	lease, err := s.leases.Renew(c.Request.Context(), c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, lease)
}

func (s *Server) handleUnwatch(c *gin.Context) {
	s.leases.Unregister(c.Request.Context(), c.Param("owner"))
	c.Status(http.StatusNoContent)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return header
}
