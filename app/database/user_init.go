package database

import (
	"errors"
	"fmt"

	"audio-forge/app/config"
	"audio-forge/app/logger"
	"audio-forge/app/model"

	"gorm.io/gorm"
)

// InitAdminUser 按配置同步唯一的管理员账号。
// 未配置时只能通过服务令牌访问接口。
func InitAdminUser(db *gorm.DB, cfg *config.Config, log *logger.Logger) error {
	username, password := cfg.Server.Username, cfg.Server.Password
	if username == "" || password == "" {
		log.Warn("未配置管理员账号，控制台登录不可用")
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var admin model.User
		err := tx.Order("id").First(&admin).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			admin = model.User{Username: username}
			if err := admin.SetPassword(password); err != nil {
				return fmt.Errorf("哈希密码失败: %w", err)
			}
			if err := tx.Create(&admin).Error; err != nil {
				return fmt.Errorf("创建管理员失败: %w", err)
			}
			log.Infof("已创建管理员 %s", username)
			return nil
		case err != nil:
			return fmt.Errorf("查询管理员失败: %w", err)
		}

		changed := false
		if admin.Username != username {
			log.Infof("管理员用户名 %s -> %s", admin.Username, username)
			admin.Username = username
			changed = true
		}
		if !admin.CheckPassword(password) {
			if err := admin.SetPassword(password); err != nil {
				return fmt.Errorf("哈希密码失败: %w", err)
			}
			changed = true
		}
		if !changed {
			return nil
		}
		if err := tx.Save(&admin).Error; err != nil {
			return fmt.Errorf("更新管理员失败: %w", err)
		}
		log.Infof("管理员 %s 已按配置更新", username)
		return nil
	})
}
