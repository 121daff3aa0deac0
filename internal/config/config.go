package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	DataDir   string
	DBPath    string
	BrokerURL string

	MachineID    string
	WorkerSlots  int
	LeasePeriod  time.Duration
	ScanInterval time.Duration
	AckTimeout   time.Duration

	Debug bool
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("WEFT_DATA_DIR", "data")
	machineID := getEnv("WEFT_MACHINE_ID", "")
	if machineID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			machineID = host
		} else {
			machineID = "weft-local"
		}
	}
	return Config{
		HTTPAddr:  getEnv("WEFT_HTTP_ADDR", ":8080"),
		DataDir:   dataDir,
		DBPath:    getEnv("WEFT_DB_PATH", filepath.Join(dataDir, "weft.db")),
		BrokerURL: getEnv("WEFT_BROKER_URL", ""),

		MachineID:    machineID,
		WorkerSlots:  getEnvInt("WEFT_WORKER_SLOTS", 4),
		LeasePeriod:  getEnvDuration("WEFT_LEASE_PERIOD", 60*time.Second),
		ScanInterval: getEnvDuration("WEFT_SCAN_INTERVAL", 5*time.Second),
		AckTimeout:   getEnvDuration("WEFT_ACK_TIMEOUT", 2*time.Second),

		Debug: getEnvBool("WEFT_DEBUG", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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
