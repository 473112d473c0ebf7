package config

import "time"

// ProxyConfig holds runtime configuration for the reverse proxy edge.
type ProxyConfig struct {
	Environment     string
	Addr            string
	AdminAddr       string
	LogLevel        string
	LedgerDriver    string
	DatabaseURL     string
	StorageBaseURL  string
	StorageLayout   string
	IndexDocument   string
	UpstreamTimeout time.Duration
}

// LoadProxyConfig constructs a ProxyConfig from environment variables.
func LoadProxyConfig() ProxyConfig {
	return ProxyConfig{
		Environment:     GetString("APP_ENV", "development"),
		Addr:            GetString("PROXY_ADDR", ":8000"),
		AdminAddr:       GetString("PROXY_ADMIN_ADDR", ":8001"),
		LogLevel:        GetString("LOG_LEVEL", "info"),
		LedgerDriver:    GetString("LEDGER_DRIVER", "postgres"),
		DatabaseURL:     GetString("DATABASE_URL", "postgres://peep:peep@db:5432/peep?sslmode=disable"),
		StorageBaseURL:  GetString("STORAGE_BASE_URL", "http://storage:9000/peep-outputs/__outputs"),
		StorageLayout:   GetString("STORAGE_LAYOUT", "project"),
		IndexDocument:   GetString("PROXY_INDEX_DOCUMENT", "index.html"),
		UpstreamTimeout: time.Duration(GetInt("PROXY_UPSTREAM_TIMEOUT_SECONDS", 30)) * time.Second,
	}
}
