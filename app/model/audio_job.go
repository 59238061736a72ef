package model

import (
	"slices"
	"time"
)

// JobStatus 任务整体状态，除 cancelled 外均由各语言状态推导
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// LanguageState 单个语言的处理状态
type LanguageState string

const (
	LanguagePending    LanguageState = "pending"
	LanguageProcessing LanguageState = "processing"
	LanguageCompleted  LanguageState = "completed"
	LanguageFailed     LanguageState = "failed"
)

// LanguageStatus 单个语言的进度记录
type LanguageStatus struct {
	Status         LanguageState `json:"status"`
	Draft          bool          `json:"draft"`
	ChunkCount     int           `json:"chunk_count"`
	ChunkAudioURLs []string      `json:"chunk_audio_urls"`
	AudioURL       string        `json:"audio_url,omitempty"`
	SubtitleURL    string        `json:"subtitle_url,omitempty"`
	Error          string        `json:"error,omitempty"`
	ClaimID        string        `json:"claim_id,omitempty"`
	Attempts       int           `json:"attempts"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	HeartbeatAt    *time.Time    `json:"heartbeat_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// NewLanguageStatus 创建待处理的语言状态
func NewLanguageStatus(draft bool) *LanguageStatus {
	return &LanguageStatus{
		Status:         LanguagePending,
		Draft:          draft,
		ChunkAudioURLs: []string{},
	}
}

// IsStale 处理中的语言心跳是否已超过窗口
func (s *LanguageStatus) IsStale(now time.Time, window time.Duration) bool {
	if s.Status != LanguageProcessing {
		return false
	}
	last := s.HeartbeatAt
	if last == nil {
		last = s.StartedAt
	}
	return last == nil || now.Sub(*last) > window
}

// AudioJob 音频生成任务
type AudioJob struct {
	ID                 string                       `json:"id" gorm:"primaryKey;size:36"`
	InputText          string                       `json:"input_text" gorm:"type:text;not null"`
	Languages          []Language                   `json:"languages" gorm:"serializer:json;not null"`
	IsDraft            bool                         `json:"is_draft" gorm:"default:false"`
	CurrentLanguage    *Language                    `json:"current_language"`
	LanguageStatuses   map[Language]*LanguageStatus `json:"language_statuses" gorm:"serializer:json"`
	CompletedLanguages []Language                   `json:"completed_languages" gorm:"serializer:json"`
	AudioURLs          map[Language]string          `json:"audio_urls" gorm:"serializer:json"`
	TranslatedTexts    map[Language]string          `json:"-" gorm:"serializer:json"`
	Status             JobStatus                    `json:"status" gorm:"default:'pending';index"`
	ErrorMessage       string                       `json:"error_message,omitempty"`
	CancelReason       string                       `json:"cancel_reason,omitempty"`
	CancelledAt        *time.Time                   `json:"cancelled_at,omitempty"`
	PostID             *string                      `json:"post_id" gorm:"index"`
	Config             JobConfig                    `json:"config" gorm:"serializer:json"`
	Version            int64                        `json:"version" gorm:"not null;default:0"`
	CreatedAt          time.Time                    `json:"created_at"`
	UpdatedAt          time.Time                    `json:"updated_at" gorm:"index"`
	CompletedAt        *time.Time                   `json:"completed_at,omitempty"`
}

// TableName 指定表名
func (AudioJob) TableName() string {
	return "audio_jobs"
}

// EnsureMaps 反序列化后空字段会是 nil
func (j *AudioJob) EnsureMaps() {
	if j.LanguageStatuses == nil {
		j.LanguageStatuses = map[Language]*LanguageStatus{}
	}
	if j.AudioURLs == nil {
		j.AudioURLs = map[Language]string{}
	}
	if j.TranslatedTexts == nil {
		j.TranslatedTexts = map[Language]string{}
	}
	if j.CompletedLanguages == nil {
		j.CompletedLanguages = []Language{}
	}
	for _, st := range j.LanguageStatuses {
		if st != nil && st.ChunkAudioURLs == nil {
			st.ChunkAudioURLs = []string{}
		}
	}
}

// HasLanguage 任务是否请求了该语言
func (j *AudioJob) HasLanguage(lang Language) bool {
	return slices.Contains(j.Languages, lang)
}

// IsCancelled 是否已取消
func (j *AudioJob) IsCancelled() bool {
	return j.Status == JobStatusCancelled
}

// PendingLanguages 按请求顺序返回待处理的语言
func (j *AudioJob) PendingLanguages() []Language {
	var out []Language
	for _, lang := range j.Languages {
		if st := j.LanguageStatuses[lang]; st != nil && st.Status == LanguagePending {
			out = append(out, lang)
		}
	}
	return out
}

// PrimaryLanguage 关联到文章的主语言
func (j *AudioJob) PrimaryLanguage() Language {
	if len(j.CompletedLanguages) > 0 {
		return j.CompletedLanguages[0]
	}
	if _, ok := j.AudioURLs[LanguageEnglish]; ok {
		return LanguageEnglish
	}
	for _, lang := range SupportedLanguages {
		if _, ok := j.AudioURLs[lang]; ok {
			return lang
		}
	}
	return LanguageEnglish
}

// SyncDerived 根据语言状态重新计算已完成语言列表和音频地址。
// 已完成语言保持完成先后顺序，新完成的追加在末尾。
func (j *AudioJob) SyncDerived() {
	j.EnsureMaps()
	isDone := func(lang Language) bool {
		st := j.LanguageStatuses[lang]
		return j.HasLanguage(lang) && st != nil && st.Status == LanguageCompleted
	}

	completed := make([]Language, 0, len(j.Languages))
	for _, lang := range j.CompletedLanguages {
		if isDone(lang) && !slices.Contains(completed, lang) {
			completed = append(completed, lang)
		}
	}
	for _, lang := range j.Languages {
		if isDone(lang) && !slices.Contains(completed, lang) {
			completed = append(completed, lang)
		}
	}

	urls := make(map[Language]string, len(completed))
	for _, lang := range completed {
		if u := j.LanguageStatuses[lang].AudioURL; u != "" {
			urls[lang] = u
		}
	}
	j.CompletedLanguages = completed
	j.AudioURLs = urls
}
