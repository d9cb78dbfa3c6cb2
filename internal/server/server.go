package server

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"collab-backend/internal/auth"
	"collab-backend/internal/comment"
	"collab-backend/internal/config"
	"collab-backend/internal/handler"
	"collab-backend/internal/hub"
	"collab-backend/internal/model"
	"collab-backend/internal/presence"
	"collab-backend/internal/registry"
)

// Server Fiber 서버 래퍼
type Server struct {
	app             *fiber.App
	cfg             *config.Config
	jwtManager      *auth.JWTManager
	healthHandler   *handler.HealthHandler
	collabHandler   *handler.CollabHandler
	collabWSHandler *handler.CollabWSHandler
}

// New 새 서버 인스턴스 생성. The registry/tracker/hub/comment service are
// constructed once per process by the caller and injected here.
func New(cfg *config.Config, db *gorm.DB, reg *registry.Registry, tracker *presence.Tracker, h *hub.Hub, comments *comment.Service) *Server {
	app := fiber.New(fiber.Config{
		AppName:         "Collab Engine",
		ServerHeader:    "Fiber",
		StrictRouting:   true,
		CaseSensitive:   true,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Prefork:         false, // WebSocket과 호환성 문제로 비활성화
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
	})

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)

	return &Server{
		app:             app,
		cfg:             cfg,
		jwtManager:      jwtManager,
		healthHandler:   handler.NewHealthHandler(db),
		collabHandler:   handler.NewCollabHandler(reg, tracker, h, comments, cfg),
		collabWSHandler: handler.NewCollabWSHandler(reg, tracker, h, comments, cfg),
	}
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))

	prometheus := fiberprometheus.New("collab-backend")
	prometheus.RegisterAt(s.app, "/metrics")
	s.app.Use(prometheus.Middleware)
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// Join Limiter (세션 생성 남용 방지)
	joinLimiter := limiter.New(limiter.Config{
		Max:        30,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	// Collaborate 라우트 그룹 (인증 필요)
	collabGroup := s.app.Group("/collaborate", auth.AuthMiddleware(s.jwtManager))
	collabGroup.Post("/join", joinLimiter, s.collabHandler.JoinSession)
	collabGroup.Get("/join", s.collabHandler.GetSession)
	collabGroup.Post("/comment", s.collabHandler.AddComment)
	collabGroup.Get("/comment", s.collabHandler.ListComments)
	collabGroup.Post("/update", s.collabHandler.BroadcastUpdate)
	collabGroup.Get("/viewers", s.collabHandler.ListViewers)

	// WebSocket 업그레이드 체크 미들웨어
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket 협업 엔드포인트. Authentication and join validation run
	// here, before the upgrade, so a bad handshake is rejected with a
	// proper HTTP status instead of an opened-then-closed socket.
	s.app.Get("/ws/collab/:sessionName", func(c *fiber.Ctx) error {
		token := auth.TokenFromRequest(c)
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, err := s.jwtManager.ValidateAccessToken(token)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		sessionName := c.Params("sessionName")
		if sessionName == "" || len(sessionName) > s.cfg.Collab.MaxSessionNameLen {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		sessionType := c.Query("type")
		if sessionType != "" && !model.ValidSessionType(sessionType) {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		c.Locals("claims", claims)
		c.Locals("sessionName", sessionName)
		c.Locals("sessionType", sessionType)

		return c.Next()
	}, websocket.New(s.collabWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start 서버 시작 (Graceful Shutdown 지원)
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logrus.Info("shutting down server")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			logrus.WithError(err).Fatal("server shutdown error")
		}
	}()

	logrus.WithField("port", s.cfg.Server.Port).Info("collab engine starting")

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown 서버 종료
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
