package model

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User 控制台操作员。系统只有配置文件中声明的管理员一个账号
type User struct {
	ID           uint       `json:"id" gorm:"primarykey"`
	Username     string     `json:"username" gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string     `json:"-" gorm:"column:password;not null"`
	Disabled     bool       `json:"disabled" gorm:"default:false"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// SetPassword 保存 bcrypt 哈希，明文不落库
func (u *User) SetPassword(plain string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

func (u *User) CheckPassword(plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(plain)) == nil
}
