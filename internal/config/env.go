package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	PORT, WORKER_UDP_ADDR, WORKER_UDP_PORT, WORKER_HTTP_PORT string
	CONFIG_FILE, STORE_BACKEND, REDIS_URL, DATABASE_URL      string
	SQLITE_PATH, WEBHOOK_SECRET, LOG_LEVEL, LOG_FILE          string
	NUM_WORKERS, QUEUE_SIZE                                   int
	ADAPTER_TIMEOUT                                           time.Duration
	AUTO_CAPTURE                                              bool
)

// LoadEnv reads the process environment, after merging a .env file from the
// working directory when one exists.
func LoadEnv() {
	_ = godotenv.Load()

	PORT = getString("PORT", "9999")
	WORKER_UDP_ADDR = getString("WORKER_UDP_ADDR", "worker1:9996")
	WORKER_UDP_PORT = getString("WORKER_UDP_PORT", "9996")
	WORKER_HTTP_PORT = getString("WORKER_HTTP_PORT", "9995")

	CONFIG_FILE = os.Getenv("CONFIG_FILE")
	STORE_BACKEND = strings.ToLower(getString("STORE_BACKEND", "memory"))
	REDIS_URL = os.Getenv("REDIS_URL")
	DATABASE_URL = os.Getenv("DATABASE_URL")
	SQLITE_PATH = getString("SQLITE_PATH", "sagas.db")

	WEBHOOK_SECRET = os.Getenv("WEBHOOK_SECRET")
	LOG_LEVEL = getString("LOG_LEVEL", "info")
	LOG_FILE = os.Getenv("LOG_FILE")

	NUM_WORKERS = getInt("NUM_WORKERS", 64)
	QUEUE_SIZE = getInt("QUEUE_SIZE", 1024)
	ADAPTER_TIMEOUT = time.Duration(getInt("ADAPTER_TIMEOUT_MS", 2000)) * time.Millisecond
	AUTO_CAPTURE = getBool("AUTO_CAPTURE", false)
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
