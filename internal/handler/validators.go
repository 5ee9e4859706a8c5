package handler

import (
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pawtrack/internal/datetime"
)

var registerOnce sync.Once

// RegisterValidators 在 gin 的校验引擎上注册日期、时间与时区规则
func RegisterValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			RegisterCustomValidators(v)
		}
	})
}

// RegisterCustomValidators 注册 hhmm、datekey、iana 三个标签，并让错误使用 json 字段名
func RegisterCustomValidators(v *validator.Validate) {
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	v.RegisterValidation("hhmm", validateWallClock)
	v.RegisterValidation("datekey", validateDateKey)
	v.RegisterValidation("iana", validateTimezone)
}

func validateWallClock(fl validator.FieldLevel) bool {
	return datetime.IsWallClock(fl.Field().String())
}

func validateDateKey(fl validator.FieldLevel) bool {
	return datetime.IsDateKey(strings.TrimSpace(fl.Field().String()))
}

func validateTimezone(fl validator.FieldLevel) bool {
	_, ok := datetime.NormalizeTimezone(fl.Field().String())
	return ok
}
