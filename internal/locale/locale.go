package locale

import (
	"strconv"
	"strings"
)

const (
	LanguageChinese = "zh"
	LanguageEnglish = "en"
)

func NormalizeLanguage(raw string) string {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "zh") || trimmed == "cn" {
		return LanguageChinese
	}
	if strings.HasPrefix(trimmed, "en") {
		return LanguageEnglish
	}
	return ""
}

// LanguageFromAcceptLanguage 按 q 权重选出第一个受支持的语言
func LanguageFromAcceptLanguage(header string) string {
	best := ""
	bestWeight := -1.0
	for _, part := range strings.Split(header, ",") {
		tag, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		language := NormalizeLanguage(tag)
		if language == "" {
			continue
		}

		weight := 1.0
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if parsed, err := strconv.ParseFloat(q, 64); err == nil {
				weight = parsed
			}
		}
		if weight > bestWeight {
			best = language
			bestWeight = weight
		}
	}
	return best
}

// Resolve 优先使用显式的 lang 参数，其次是 Accept-Language，默认中文
func Resolve(explicit, acceptLanguage string) string {
	if language := NormalizeLanguage(explicit); language != "" {
		return language
	}
	if language := LanguageFromAcceptLanguage(acceptLanguage); language != "" {
		return language
	}
	return LanguageChinese
}
