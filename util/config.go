package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
)

const Name = "loxodon"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                 string
		HttpPort             int    `yaml:"httpPort"`
		SslDomain            string `yaml:"sslDomain"`
		SignedFetch          bool   `yaml:"signedFetch"`
		RequireSignatures    bool   `yaml:"requireSignatures"`
		MaxDeliveryAttempts  int    `yaml:"maxDeliveryAttempts"`
		DeferredRetries      int    `yaml:"deferredRetries"`
		CollapseIntervalSec  int    `yaml:"collapseIntervalSec"`
		RateLimitPerSec      int    `yaml:"rateLimitPerSec"`
		RateLimitBurst       int    `yaml:"rateLimitBurst"`
		InboxRateLimitPerSec int    `yaml:"inboxRateLimitPerSec"`
		InboxRateLimitBurst  int    `yaml:"inboxRateLimitBurst"`
		MaxBodyBytes         int64  `yaml:"maxBodyBytes"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("LOXODON_HOST")
	envHttpPort := os.Getenv("LOXODON_HTTPPORT")
	envSslDomain := os.Getenv("LOXODON_SSLDOMAIN")
	envSignedFetch := os.Getenv("LOXODON_SIGNED_FETCH")
	envRequireSignatures := os.Getenv("LOXODON_REQUIRE_SIGNATURES")
	envMaxAttempts := os.Getenv("LOXODON_MAX_DELIVERY_ATTEMPTS")
	envDeferredRetries := os.Getenv("LOXODON_DEFERRED_RETRIES")
	envCollapseInterval := os.Getenv("LOXODON_COLLAPSE_INTERVAL_SEC")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envSignedFetch == "true" {
		c.Conf.SignedFetch = true
	}

	if envRequireSignatures == "true" {
		c.Conf.RequireSignatures = true
	}

	if envMaxAttempts != "" {
		v, err := strconv.Atoi(envMaxAttempts)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.MaxDeliveryAttempts = v
	}

	if envDeferredRetries != "" {
		v, err := strconv.Atoi(envDeferredRetries)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.DeferredRetries = v
	}

	if envCollapseInterval != "" {
		v, err := strconv.Atoi(envCollapseInterval)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.CollapseIntervalSec = v
	}

	if envRateLimit := os.Getenv("LOXODON_RATE_LIMIT_PER_SEC"); envRateLimit != "" {
		v, err := strconv.Atoi(envRateLimit)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.RateLimitPerSec = v
	}

	if envMaxBody := os.Getenv("LOXODON_MAX_BODY_BYTES"); envMaxBody != "" {
		v, err := strconv.ParseInt(envMaxBody, 10, 64)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.MaxBodyBytes = v
	}

	applyDefaults(c)

	return c, nil
}

// applyDefaults fills in zero values so a partial config file still works
func applyDefaults(c *AppConfig) {
	if c.Conf.MaxDeliveryAttempts == 0 {
		c.Conf.MaxDeliveryAttempts = 10
	}
	if c.Conf.DeferredRetries == 0 {
		c.Conf.DeferredRetries = 1
	}
	if c.Conf.CollapseIntervalSec == 0 {
		c.Conf.CollapseIntervalSec = 300
	}
	if c.Conf.RateLimitPerSec == 0 {
		c.Conf.RateLimitPerSec = 10
	}
	if c.Conf.RateLimitBurst == 0 {
		c.Conf.RateLimitBurst = 2 * c.Conf.RateLimitPerSec
	}
	if c.Conf.InboxRateLimitPerSec == 0 {
		c.Conf.InboxRateLimitPerSec = 5
	}
	if c.Conf.InboxRateLimitBurst == 0 {
		c.Conf.InboxRateLimitBurst = 2 * c.Conf.InboxRateLimitPerSec
	}
	if c.Conf.MaxBodyBytes == 0 {
		c.Conf.MaxBodyBytes = 1 << 20
	}
}
