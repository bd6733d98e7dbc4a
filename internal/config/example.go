package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteExample 输出一份带默认值的示例配置文件
func WriteExample(path string) error {
	doc := map[string]any{
		"app": map[string]any{
			"name": "vscope-host",
			"env":  "dev",
		},
		"http": map[string]any{
			"addr":         ":8080",
			"readTimeout":  "5s",
			"writeTimeout": "10s",
		},
		"serial": map[string]any{
			"baudRate": 115200,
			"dataBits": 8,
			"parity":   "none",
			"stopBits": 1,
			"timeout":  "100ms",
		},
		"polling": map[string]any{
			"statePollingHz":          20,
			"framePollingHz":          10,
			"frameTimeoutMs":          100,
			"crcRetryAttempts":        1,
			"disconnectAfterTimeouts": 5,
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "json",
			"file": map[string]any{
				"filename":   "logs/vscope-host.log",
				"maxSize":    100,
				"maxBackups": 7,
				"maxAge":     30,
				"compress":   true,
			},
		},
		"metrics": map[string]any{
			"enable": true,
			"path":   "/metrics",
		},
		"storage": map[string]any{
			"path": "data/snapshots.db",
		},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal example config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write example config: %w", err)
	}
	return nil
}
