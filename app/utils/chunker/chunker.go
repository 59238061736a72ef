// Package chunker 将长文本切分为适合单次语音合成请求的片段。
//
// 切分是确定性的：同样的文本和上限总是得到同样的片段序列，
// 处理器依赖这一点在重试时跳过已经合成的片段。
package chunker

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultLimit 单个片段的最大字符数（按 rune 计）
const DefaultLimit = 4000

var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "mt": {}, "vs": {}, "etc": {}, "no": {}, "vol": {}, "fig": {},
	"inc": {}, "ltd": {}, "co": {}, "dept": {}, "approx": {}, "sra": {}, "dra": {},
	"a.m": {}, "p.m": {}, "e.g": {}, "i.e": {}, "u.s": {}, "u.k": {},
}

// Split 将文本切分为不超过 limit 个字符的片段。
// 相邻句子会尽量合并到同一片段；只有单句超长时才在子句、空格或硬边界处截断。
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, sentence := range Sentences(text) {
		n := utf8.RuneCountInString(sentence)
		if n > limit {
			flush()
			chunks = append(chunks, splitLong(sentence, limit)...)
			continue
		}
		if curLen > 0 && curLen+1+n > limit {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(sentence)
		curLen += n
	}
	flush()
	return chunks
}

// Count 返回 Split 会产生的片段数
func Count(text string, limit int) int {
	return len(Split(text, limit))
}

// Normalize 统一文本格式：NFC、HTML 实体、换行和连续空白
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Join(strings.Fields(text), " ")
}

// Sentences 将文本按句子边界切分
func Sentences(text string) []string {
	runes := []rune(Normalize(text))
	if len(runes) == 0 {
		return nil
	}

	var out []string
	start := 0
	for i, r := range runes {
		if !isTerminator(r) {
			continue
		}
		if r == '.' && skipPeriod(runes, i) {
			continue
		}
		if !isBoundary(runes, i) {
			continue
		}
		end := i + 1
		for end < len(runes) && isClosing(runes[end]) {
			end++
		}
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitLong(sentence string, limit int) []string {
	runes := []rune(sentence)
	var out []string
	start := 0
	for start < len(runes) {
		if len(runes)-start <= limit {
			if s := strings.TrimSpace(string(runes[start:])); s != "" {
				out = append(out, s)
			}
			break
		}

		end := start + limit
		cut := end
		if b := lastIndex(runes, start+limit/2, end, isClauseBoundary); b >= 0 {
			cut = b + 1
		} else if b := lastIndex(runes, start+limit/2, end+1, unicode.IsSpace); b >= 0 {
			cut = b
		}

		if s := strings.TrimSpace(string(runes[start:cut])); s != "" {
			out = append(out, s)
		}
		start = cut
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
	}
	return out
}

// lastIndex 在 [from, to) 内从后向前查找满足 pred 的位置
func lastIndex(runes []rune, from, to int, pred func(rune) bool) int {
	if to > len(runes) {
		to = len(runes)
	}
	for i := to - 1; i >= from && i >= 0; i-- {
		if pred(runes[i]) {
			return i
		}
	}
	return -1
}

func skipPeriod(runes []rune, i int) bool {
	// 省略号
	if (i > 0 && runes[i-1] == '.') || (i+1 < len(runes) && runes[i+1] == '.') {
		return true
	}
	// 小数
	if i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
		return true
	}

	j := i - 1
	for j >= 0 && !unicode.IsSpace(runes[j]) && !isOpening(runes[j]) {
		j--
	}
	token := string(runes[j+1 : i])
	if token == "" {
		return false
	}
	if utf8.RuneCountInString(token) == 1 && unicode.IsLetter([]rune(token)[0]) {
		return true
	}
	_, ok := abbreviations[strings.ToLower(token)]
	return ok
}

func isBoundary(runes []rune, i int) bool {
	j := i + 1
	for j < len(runes) && isClosing(runes[j]) {
		j++
	}
	if j >= len(runes) {
		return true
	}
	if !unicode.IsSpace(runes[j]) {
		return false
	}
	for j < len(runes) && (unicode.IsSpace(runes[j]) || isOpening(runes[j])) {
		j++
	}
	if j >= len(runes) {
		return true
	}
	// 天城文等无大小写文字，只排除小写字母开头
	return !unicode.IsLower(runes[j])
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '।', '॥':
		return true
	}
	return false
}

func isClauseBoundary(r rune) bool {
	switch r {
	case ',', ';', ':', '—', '–':
		return true
	}
	return false
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’', '»':
		return true
	}
	return false
}

func isOpening(r rune) bool {
	switch r {
	case '"', '\'', '(', '[', '{', '“', '‘', '«', '¡', '¿':
		return true
	}
	return false
}
