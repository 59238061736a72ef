package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"audio-forge/app/config"
	"audio-forge/app/logger"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var db *gorm.DB

// Init 打开数据库、迁移表结构并同步管理员账号
func Init(cfg *config.Config, log *logger.Logger) (*gorm.DB, error) {
	conn, err := Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if err := AutoMigrate(conn); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	if err := InitAdminUser(conn, cfg, log); err != nil {
		return nil, fmt.Errorf("初始化管理员失败: %w", err)
	}

	db = conn
	log.Info("数据库已就绪", zap.String("path", cfg.Database.Path))
	return conn, nil
}

// Open 打开 sqlite 数据库，dsn 可以是文件路径或 file: URI
func Open(dsn string) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
		// 并发写入时等待锁而不是立即返回 SQLITE_BUSY
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

// Close 关闭 Init 打开的连接
func Close() error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
