package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collab-backend/internal/comment"
	"collab-backend/internal/config"
	"collab-backend/internal/database"
	"collab-backend/internal/hub"
	"collab-backend/internal/presence"
	"collab-backend/internal/registry"
	"collab-backend/internal/server"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	// 설정 로드
	cfg := config.Load()

	// 데이터베이스 연결
	db, err := database.Connect()
	if err != nil {
		logrus.WithError(err).Fatal("database connection failed")
	}
	defer database.Close(db)

	if err := database.Ping(db); err != nil {
		logrus.WithError(err).Fatal("database ping failed")
	}
	logrus.Info("database connected")

	// 협업 엔진 구성
	tracker := presence.NewTracker()
	h := hub.New(tracker)
	reg := registry.New(registry.NewGormStore(db), cfg.Collab.MaxSessionNameLen)
	comments := comment.NewService(comment.NewGormStore(db), reg, h, cfg.Collab.MaxCommentLen)

	// Redis backbone (설정 시에만). Each process tags frames with its own
	// origin id so it can skip the ones it published itself.
	if cfg.Redis.Addr != "" {
		origin := uuid.NewString()
		backbone, err := presence.NewBackbone(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, origin, h.DeliverRemote)
		if err != nil {
			logrus.WithError(err).Fatal("redis backbone connection failed")
		}
		defer backbone.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go backbone.Run(ctx)

		h.SetRelay(backbone)
		logrus.WithField("addr", cfg.Redis.Addr).Info("redis backbone enabled")
	}

	// 서버 생성 및 설정
	srv := server.New(cfg, db, reg, tracker, h, comments)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		logrus.WithError(err).Fatal("server failed to start")
	}
}
