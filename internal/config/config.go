package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the process-level server configuration, read once from the
// environment at startup. Device connection settings live in Settings and are
// never read back from the environment.
type Config struct {
	ListenHost     string
	ListenPort     int
	LogLevel       string
	Debug          bool
	Containerized  bool
	DBPath         string
	ConfigDir      string
	BaseReportDir  string
	AllowedOrigins []string
	APITokens      map[string]string
	OpenAIEndpoint string
	OpenAIModel    string
	OpenAIAPIKey   string
}

func LoadConfig() Config {
	host := os.Getenv("NEXUS_LISTEN_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := atoiOrDefault(os.Getenv("NEXUS_LISTEN_PORT"), 4700)

	level := os.Getenv("NEXUS_LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	configDir := os.Getenv("NEXUS_CONFIG_DIR")
	if configDir == "" {
		configDir = defaultConfigDir()
	}

	dbPath := os.Getenv("NEXUS_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(configDir, "nexus.db")
	}

	reportDir := os.Getenv("NEXUS_BASE_REPORT_DIR")
	if reportDir == "" {
		reportDir = filepath.Join(configDir, "runs")
	}

	return Config{
		ListenHost:     host,
		ListenPort:     port,
		LogLevel:       level,
		Debug:          os.Getenv("NEXUS_DEBUG") == "1",
		Containerized:  os.Getenv("NEXUS_CONTAINER") == "1",
		DBPath:         dbPath,
		ConfigDir:      configDir,
		BaseReportDir:  reportDir,
		AllowedOrigins: splitList(os.Getenv("NEXUS_ALLOWED_ORIGINS")),
		APITokens:      parseTokenMap(os.Getenv("NEXUS_API_TOKENS")),
		OpenAIEndpoint: os.Getenv("OPENAI_ENDPOINT"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Clean(".nexus")
	}
	return filepath.Join(home, ".nexus")
}

func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTokenMap reads "token:userID" pairs separated by commas.
func parseTokenMap(v string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, user, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(token) == "" || strings.TrimSpace(user) == "" {
			continue
		}
		out[strings.TrimSpace(token)] = strings.TrimSpace(user)
	}
	return out
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
