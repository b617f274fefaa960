// Package config содержит логику чтения конфигурации сервиса SmartReceipt.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса SmartReceipt.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	OCRAddress       string `env:"OCR_SERVICE_ADDRESS"`
	ExtractorAddress string `env:"EXTRACTOR_ADDRESS"`
	OCROutputDir     string `env:"OCR_OUTPUT_DIR"`
	AuthSecret       string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envOCRAddress := cfg.OCRAddress
	envExtractorAddress := cfg.ExtractorAddress
	envOCROutputDir := cfg.OCROutputDir
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.OCRAddress, "o", "", "OCR service address")
	flag.StringVar(&cfg.ExtractorAddress, "e", "", "entity extraction service address")
	flag.StringVar(&cfg.OCROutputDir, "t", "./output", "directory for raw OCR text files")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envOCRAddress != "" {
		cfg.OCRAddress = envOCRAddress
	}
	if envExtractorAddress != "" {
		cfg.ExtractorAddress = envExtractorAddress
	}
	if envOCROutputDir != "" {
		cfg.OCROutputDir = envOCROutputDir
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.OCROutputDir == "" {
		cfg.OCROutputDir = "./output"
	}

	return cfg, nil
}
