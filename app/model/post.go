package model

import "time"

// Post 博客文章，由内容系统维护，这里只读写音频关联字段
type Post struct {
	ID                    string              `json:"id" gorm:"primaryKey;size:36"`
	Title                 string              `json:"title"`
	PrimaryAudioID        *string             `json:"primary_audio_id"`
	AudioAssetsByLanguage map[Language]string `json:"audio_assets_by_language" gorm:"serializer:json"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// TableName 指定表名
func (Post) TableName() string {
	return "blog_posts"
}
