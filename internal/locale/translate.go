package locale

// Pick returns the text matching the request language, defaulting to Chinese.
func Pick(language, english, chinese string) string {
	if NormalizeLanguage(language) == LanguageEnglish {
		if english != "" {
			return english
		}
		return chinese
	}
	if chinese != "" {
		return chinese
	}
	return english
}

// 接口返回的提示文案
const (
	MsgRuleNotFound    = "rule_not_found"
	MsgEventNotFound   = "event_not_found"
	MsgInvalidRule     = "invalid_rule"
	MsgInvalidPayload  = "invalid_payload"
	MsgInvalidStatus   = "invalid_status"
	MsgInternalError   = "internal_error"
	MsgExceptionAdded  = "exception_added"
	MsgExceptionExists = "exception_exists"
	MsgRuleDeleted     = "rule_deleted"
)

var messages = map[string][2]string{
	MsgRuleNotFound:    {"Recurrence rule not found", "重复规则不存在"},
	MsgEventNotFound:   {"Event not found", "日程不存在"},
	MsgInvalidRule:     {"Invalid recurrence rule", "重复规则无效"},
	MsgInvalidPayload:  {"Invalid request payload", "请求参数错误"},
	MsgInvalidStatus:   {"Unsupported event status", "不支持的日程状态"},
	MsgInternalError:   {"Internal server error", "服务器内部错误"},
	MsgExceptionAdded:  {"Exception date added", "已添加例外日期"},
	MsgExceptionExists: {"Exception date already recorded", "例外日期已存在"},
	MsgRuleDeleted:     {"Recurrence rule deleted", "重复规则已删除"},
}

// Message 返回 key 在对应语言下的文案，未知 key 原样返回
func Message(language, key string) string {
	pair, ok := messages[key]
	if !ok {
		return key
	}
	return Pick(language, pair[0], pair[1])
}
