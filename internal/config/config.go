package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	ScreenshotDir       string
	ScreenshotURLPrefix string

	AppPassword string
	AgentMode   string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("DB_PATH", filepath.Join(dataDir, "app.db")),

		ScreenshotDir:       getEnv("SCREENSHOT_DIR", filepath.Join(dataDir, "screenshots")),
		ScreenshotURLPrefix: getEnv("SCREENSHOT_URL_PREFIX", "/api/files/screenshots"),

		AppPassword: strings.TrimSpace(getEnv("APP_PASSWORD", "")),
		AgentMode:   strings.ToLower(getEnv("AGENT_MODE", "mock")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
