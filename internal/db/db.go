package db

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB 是进程内唯一的数据库连接，由 Init 建立
var DB *gorm.DB

var (
	initMu   sync.Mutex
	initPath string
)

// Init 初始化数据库连接并执行自动迁移。
// 可以重复调用：同一路径第二次调用直接返回，换路径则重新打开。
// databasePath 为空时将回退到默认值 pawtrack.db。
func Init(databasePath string) error {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		path = "pawtrack.db"
	}

	initMu.Lock()
	defer initMu.Unlock()

	if DB != nil && initPath == path {
		return nil
	}

	gdb, err := Open(path, logger.Warn)
	if err != nil {
		return err
	}

	DB = gdb
	initPath = path
	return nil
}

// Open 打开一个独立的连接并迁移表结构，不修改包级 DB。
func Open(path string, level logger.LogLevel) (*gorm.DB, error) {
	if !strings.HasPrefix(path, "file:") {
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, err
	}

	if err := Migrate(gdb); err != nil {
		return nil, err
	}

	return gdb, nil
}

// Migrate 为核心模型创建表
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&RecurrenceRule{},
		&Event{},
	)
}

// Close 关闭包级连接，主要用于进程退出与测试
func Close() error {
	initMu.Lock()
	defer initMu.Unlock()

	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	DB = nil
	initPath = ""
	return sqlDB.Close()
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return errors.New("database path parent is not a directory")
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}

	return err
}
