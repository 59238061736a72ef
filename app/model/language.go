package model

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Language 支持的语言代码
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageSpanish Language = "es"
	LanguageHindi   Language = "hi"
)

// SourceLanguage 输入文本的语言，不需要翻译
const SourceLanguage = LanguageEnglish

// SupportedLanguages 按固定顺序列出支持的语言
var SupportedLanguages = []Language{LanguageEnglish, LanguageSpanish, LanguageHindi}

var languageTags = map[Language]language.Tag{
	LanguageEnglish: language.English,
	LanguageSpanish: language.Spanish,
	LanguageHindi:   language.Hindi,
}

// ParseLanguage 解析语言标签，"ES"、"es-MX" 都会归一到 es
func ParseLanguage(s string) (Language, error) {
	tag, err := language.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("无法解析语言 %q: %w", s, err)
	}
	base, _ := tag.Base()
	lang := Language(base.String())
	if !lang.Supported() {
		return "", fmt.Errorf("不支持的语言: %s", s)
	}
	return lang, nil
}

// Supported 是否属于支持的语言集合
func (l Language) Supported() bool {
	_, ok := languageTags[l]
	return ok
}

// DisplayName 语言的英文名称，例如 "Spanish"
func (l Language) DisplayName() string {
	tag, ok := languageTags[l]
	if !ok {
		return string(l)
	}
	return display.English.Tags().Name(tag)
}
