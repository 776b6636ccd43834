package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AppFileConfig models edupay.json, the service-level settings.
type AppFileConfig struct {
	Asset struct {
		Symbol   string `json:"symbol"`
		Name     string `json:"name"`
		Decimals int    `json:"decimals"`
	} `json:"asset"`
	Secrets struct {
		AdminAPISecret string `json:"adminApiSecret"`
	} `json:"secrets"`
	Timeouts struct {
		ConfirmPollMs         int `json:"confirmPollMs"`
		ConfirmTimeoutMs      int `json:"confirmTimeoutMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
		HMACClockSkewSecs     int `json:"hmacClockSkewSeconds"`
	} `json:"timeouts"`
}

// DeploymentConfig represents deployments.json: where the contracts live
// and who the administrator is.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Admin     string `json:"admin"`
	Contracts struct {
		TuitionEscrow string `json:"TuitionEscrow"`
		USDStablecoin string `json:"USDStablecoin"`
	} `json:"contracts"`
}

// AppConfig ties together file config + derived service values.
type AppConfig struct {
	App        AppFileConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	ConfirmPollInterval  time.Duration
	ConfirmTimeout       time.Duration
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

const (
	defaultAppPath         = "edupay.json"
	defaultDeploymentsPath = "deployments.json"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	appPath := envOr("EDUPAY_CONFIG_PATH", defaultAppPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	appCfg, err := loadApp(appPath)
	if err != nil {
		return nil, fmt.Errorf("load app config: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	if appCfg.Asset.Decimals == 0 {
		appCfg.Asset.Decimals = 6
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:        secondsOr(appCfg.Timeouts.HMACClockSkewSecs, 60*time.Second),
		IdempotencyWindow:    secondsOr(appCfg.Timeouts.IdempotencyWindowSecs, 10*time.Minute),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "edupay-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		ConfirmPollInterval:  millisOr(appCfg.Timeouts.ConfirmPollMs, 2*time.Second),
		ConfirmTimeout:       millisOr(appCfg.Timeouts.ConfirmTimeoutMs, 2*time.Minute),
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", ""),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	return &AppConfig{
		App:        *appCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
	}, nil
}

func loadApp(path string) (*AppFileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg AppFileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func secondsOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func millisOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
