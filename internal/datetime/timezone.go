package datetime

import (
	"os"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // 嵌入 IANA 时区库
)

var (
	locationCache sync.Map // name -> *time.Location

	deviceMu       sync.RWMutex
	deviceOverride string
)

// NormalizeTimezone 校验时区标识，只接受时区数据库可以加载的 IANA 名称。
// 空字符串、"Local" 以及无法识别的值统一返回 ("", false)。
func NormalizeTimezone(tz string) (string, bool) {
	name := strings.TrimSpace(tz)
	if name == "" || name == "Local" {
		return "", false
	}
	if _, ok := loadLocation(name); !ok {
		return "", false
	}
	return name, true
}

// ResolveEffectiveTimezone 返回实际生效的时区：合法输入原样返回，否则回退到设备时区。
// 非法时区与未提供时区得到同一个结果，缓存 key 依赖这一点。
func ResolveEffectiveTimezone(tz string) string {
	if name, ok := NormalizeTimezone(tz); ok {
		return name
	}
	return DeviceTimezone()
}

// SetDeviceTimezone 设置设备时区，通常在进程启动时根据配置调用一次。
// 传入非法值会清除覆盖，回退到环境探测。
func SetDeviceTimezone(tz string) {
	name, _ := NormalizeTimezone(tz)

	deviceMu.Lock()
	deviceOverride = name
	deviceMu.Unlock()
}

// DeviceTimezone 依次取配置覆盖、TZ 环境变量、time.Local 名称，最后回退 UTC。
func DeviceTimezone() string {
	deviceMu.RLock()
	override := deviceOverride
	deviceMu.RUnlock()
	if override != "" {
		return override
	}

	if env := strings.TrimPrefix(strings.TrimSpace(os.Getenv("TZ")), ":"); env != "" {
		if name, ok := NormalizeTimezone(env); ok {
			return name
		}
	}

	if name, ok := NormalizeTimezone(time.Local.String()); ok {
		return name
	}

	return "UTC"
}

// ResolveLocation 返回生效时区对应的 *time.Location，不会返回 nil。
func ResolveLocation(tz string) *time.Location {
	if loc, ok := loadLocation(ResolveEffectiveTimezone(tz)); ok {
		return loc
	}
	return time.UTC
}

func loadLocation(name string) (*time.Location, bool) {
	if cached, ok := locationCache.Load(name); ok {
		return cached.(*time.Location), true
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}

	locationCache.Store(name, loc)
	return loc, true
}
