package server

import (
	"context"
	"net/http"

	"audio-forge/app/config"
	"audio-forge/app/database"
	"audio-forge/app/handler"
	"audio-forge/app/logger"
	"audio-forge/app/middleware"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config   *config.Config
	Logger   *logger.Logger
	Pipeline *Pipeline
	db       *gorm.DB
	gin      *gin.Engine
	http     *http.Server
}

// New 创建 Server 实例并注册路由
func New(cfg *config.Config, db *gorm.DB, log *logger.Logger) (*Server, error) {
	pipeline, err := NewPipeline(cfg, db, log)
	if err != nil {
		return nil, err
	}

	router := gin.Default()
	s := &Server{
		Config:   cfg,
		Logger:   log,
		Pipeline: pipeline,
		db:       db,
		gin:      router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
	}
	s.setupRoutes()
	return s, nil
}

// Handler 返回路由，供测试使用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动后台任务和 HTTP 服务
func (s *Server) Start() error {
	s.Pipeline.Pool.Start()
	if s.Config.Sweeper.Enabled {
		if err := s.Pipeline.Sweeper.Start(s.Config.Sweeper.Schedule, s.Config.Sweeper.RepairSchedule); err != nil {
			return err
		}
	}
	config.Watch(func(_, next *config.Config) {
		s.Pipeline.Reload(next)
		s.Logger.Infof("处理参数已热更新")
	})

	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.Pipeline.Sweeper.Stop()
	s.Pipeline.Pool.Stop()

	if cerr := database.Close(); cerr != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", cerr)
	}
	return err
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	authHandler := handler.NewAuthHandler(s.db, s.Pipeline.Tokens)
	jobHandler := handler.NewAudioJobHandler(s.Pipeline.Jobs, s.Pipeline.Reconciler, s.Logger)
	internalHandler := handler.NewInternalHandler(s.Pipeline.Pool)

	s.gin.Static("/media", s.Pipeline.Artifacts.Root())

	api := s.gin.Group("/api")

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.RefreshToken)
	}

	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.Pipeline.Tokens))
	{
		protected.GET("/me", authHandler.Me)

		jobs := protected.Group("/audio-jobs")
		{
			jobs.POST("", jobHandler.Submit)
			jobs.POST("/batch-status", jobHandler.BatchStatus)
			jobs.POST("/repair", jobHandler.Repair)
			jobs.GET("/:id", jobHandler.Get)
			jobs.PUT("/:id", jobHandler.Update)
			jobs.DELETE("/:id", jobHandler.Delete)
			jobs.POST("/:id/trigger", jobHandler.Trigger)
			jobs.POST("/:id/regenerate", jobHandler.Regenerate)
			jobs.POST("/:id/cancel", jobHandler.Cancel)
			jobs.GET("/:id/stream", jobHandler.Stream)
		}
	}

	internal := api.Group("/internal")
	internal.Use(middleware.ServiceAuth(s.Pipeline.Tokens))
	{
		internal.POST("/audio-jobs/:id/process", internalHandler.Process)
	}
}
