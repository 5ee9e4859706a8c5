package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig 汇总运行服务所需的基础配置。
type AppConfig struct {
	ListenAddr      string
	Port            string
	DatabasePath    string
	GinMode         string
	DeviceTimezone  string
	HorizonDays     int
	MaxOccurrences  int
	MaintenanceCron string
	MissedGrace     time.Duration
	ConfigFile      string
}

// fileConfig 是可选 YAML 配置文件的结构，环境变量优先于文件
type fileConfig struct {
	Listen          string `yaml:"listen"`
	Port            string `yaml:"port"`
	DatabasePath    string `yaml:"database_path"`
	GinMode         string `yaml:"gin_mode"`
	Timezone        string `yaml:"timezone"`
	HorizonDays     int    `yaml:"horizon_days"`
	MaxOccurrences  int    `yaml:"max_occurrences"`
	MaintenanceCron string `yaml:"maintenance_cron"`
	MissedGrace     string `yaml:"missed_grace"`
}

// Load 依次读取 .env、CONFIG_FILE 指向的 YAML 与环境变量，并为缺失项提供默认值。
func Load() AppConfig {
	// .env 可选
	_ = godotenv.Load()

	var file fileConfig
	configFile := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if configFile != "" {
		loaded, err := readFile(configFile)
		if err != nil {
			log.Printf("[config] ignore config file %s: %v", configFile, err)
		} else {
			file = loaded
		}
	}

	port := firstNonEmpty(os.Getenv("PORT"), file.Port, "8080")

	listenAddr := firstNonEmpty(os.Getenv("LISTEN_ADDR"), file.Listen)
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%s", port)
	}

	databasePath := firstNonEmpty(os.Getenv("DATABASE_PATH"), file.DatabasePath, "pawtrack.db")
	ginMode := firstNonEmpty(os.Getenv("GIN_MODE"), file.GinMode, "release")
	deviceTimezone := firstNonEmpty(os.Getenv("DEVICE_TIMEZONE"), file.Timezone)

	horizonDays := positiveInt(os.Getenv("HORIZON_DAYS"), file.HorizonDays, 365)
	maxOccurrences := positiveInt(os.Getenv("MAX_OCCURRENCES"), file.MaxOccurrences, 1000)

	maintenanceCron := firstNonEmpty(os.Getenv("MAINTENANCE_CRON"), file.MaintenanceCron, "@every 1h")

	missedGrace := 6 * time.Hour
	if raw := firstNonEmpty(os.Getenv("MISSED_GRACE"), file.MissedGrace); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			missedGrace = d
		} else {
			log.Printf("[config] invalid MISSED_GRACE %q, using %s", raw, missedGrace)
		}
	}

	return AppConfig{
		ListenAddr:      listenAddr,
		Port:            port,
		DatabasePath:    databasePath,
		GinMode:         ginMode,
		DeviceTimezone:  deviceTimezone,
		HorizonDays:     horizonDays,
		MaxOccurrences:  maxOccurrences,
		MaintenanceCron: maintenanceCron,
		MissedGrace:     missedGrace,
		ConfigFile:      configFile,
	}
}

func readFile(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func positiveInt(raw string, fromFile, fallback int) int {
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if n, err := strconv.Atoi(trimmed); err == nil && n > 0 {
			return n
		}
		log.Printf("[config] invalid integer %q, using default", trimmed)
	}
	if fromFile > 0 {
		return fromFile
	}
	return fallback
}
