package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"xolo/internal/env"
)

/**
 * CLI side settings stored in ~/.xolo/client.json
 * @property {string} server_url - Base URL of the xolo server
 * @property {string} token - Bearer token minted by 'xolo token'
 * @property {string} admin - Admin name the token was minted for
 */
type ClientConfig struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
	Admin     string `json:"admin"`
}

var (
	clientConfig ClientConfig
	clientLock   sync.RWMutex
	clientLoaded bool
)

func clientConfigPath() string {
	return filepath.Join(env.XoloDir, "client.json")
}

/**
 * Load client configuration from client.json
 * @returns {error} Returns error if loading fails, nil on success
 * @description
 * - Configuration is cached in memory for subsequent calls
 * - XOLO_SERVER_URL and XOLO_TOKEN override the file values
 */
func LoadClientConfig() error {
	path := clientConfigPath()

	var newConfig ClientConfig
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to open client config file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &newConfig); err != nil {
			return fmt.Errorf("failed to decode client config: %w", err)
		}
	}
	if v := os.Getenv("XOLO_SERVER_URL"); v != "" {
		newConfig.ServerURL = v
	}
	if v := os.Getenv("XOLO_TOKEN"); v != "" {
		newConfig.Token = v
	}
	if newConfig.ServerURL == "" {
		newConfig.ServerURL = "http://localhost:8443"
	}

	clientLock.Lock()
	defer clientLock.Unlock()
	clientConfig = newConfig
	clientLoaded = true
	return nil
}

/**
 * Get client configuration instance
 * @returns {ClientConfig} Returns cached client configuration, loading it first if needed
 */
func GetClientConfig() ClientConfig {
	clientLock.RLock()
	if clientLoaded {
		defer clientLock.RUnlock()
		return clientConfig
	}
	clientLock.RUnlock()

	if err := LoadClientConfig(); err != nil {
		return ClientConfig{ServerURL: "http://localhost:8443"}
	}

	clientLock.RLock()
	defer clientLock.RUnlock()
	return clientConfig
}

/**
 * Save client configuration to client.json
 * @param {ClientConfig} cfg - Configuration to persist
 * @returns {error} Returns error if the file can't be written
 */
func SaveClientConfig(cfg ClientConfig) error {
	path := clientConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	clientLock.Lock()
	clientConfig = cfg
	clientLoaded = true
	clientLock.Unlock()
	return nil
}
