package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AssetFileTypeAudio = "audio"
	AssetMimeTypeMPEG  = "audio/mpeg"
	AssetStatusReady   = "ready"
)

// MediaAsset 媒体资源，音频任务完成后为每种语言登记一条
type MediaAsset struct {
	ID                 string         `json:"id" gorm:"primaryKey;size:36"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	FileURL            string         `json:"file_url" gorm:"not null;uniqueIndex:idx_media_assets_post_url"`
	FileType           string         `json:"file_type" gorm:"default:'audio'"`
	MimeType           string         `json:"mime_type"`
	Language           Language       `json:"language" gorm:"size:8"`
	RelatedPostID      string         `json:"related_post_id" gorm:"uniqueIndex:idx_media_assets_post_url"`
	SourceJobID        string         `json:"source_job_id" gorm:"index"`
	Status             string         `json:"status" gorm:"default:'ready'"`
	GenerationMetadata datatypes.JSON `json:"generation_metadata"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// TableName 指定表名
func (MediaAsset) TableName() string {
	return "media_assets"
}

// AssetGenerationMetadata 写入 GenerationMetadata 的内容
type AssetGenerationMetadata struct {
	Type          string     `json:"type"`
	Language      Language   `json:"language"`
	OriginalJobID string     `json:"original_job_id"`
	Repaired      bool       `json:"repaired"`
	RepairedAt    *time.Time `json:"repaired_at,omitempty"`
}
