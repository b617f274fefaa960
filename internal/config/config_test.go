package config

import (
	"flag"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags сбрасывает глобальный набор флагов между тестами,
// иначе повторный Parse вызовет панику переопределения.
func resetFlags() {
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
}

func TestParseDefaults(t *testing.T) {
	resetFlags()
	os.Args = []string{"smartreceipt"}

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.RunAddress)
	assert.Equal(t, "", cfg.DatabaseURI)
	assert.Equal(t, "", cfg.OCRAddress)
	assert.Equal(t, "", cfg.ExtractorAddress)
	assert.Equal(t, "./output", cfg.OCROutputDir)
	assert.Equal(t, "", cfg.AuthSecret)
}

func TestParseFlags(t *testing.T) {
	resetFlags()
	os.Args = []string{
		"smartreceipt",
		"-a", ":9090",
		"-d", "postgres://localhost/receipts",
		"-o", "localhost:5000",
		"-e", "localhost:5001",
		"-t", "/var/lib/smartreceipt/ocr",
		"-s", "flag-secret",
	}

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.RunAddress)
	assert.Equal(t, "postgres://localhost/receipts", cfg.DatabaseURI)
	assert.Equal(t, "localhost:5000", cfg.OCRAddress)
	assert.Equal(t, "localhost:5001", cfg.ExtractorAddress)
	assert.Equal(t, "/var/lib/smartreceipt/ocr", cfg.OCROutputDir)
	assert.Equal(t, "flag-secret", cfg.AuthSecret)
}

func TestParseEnv(t *testing.T) {
	resetFlags()
	os.Args = []string{"smartreceipt"}

	t.Setenv("RUN_ADDRESS", ":8888")
	t.Setenv("DATABASE_URI", "postgres://db/receipts")
	t.Setenv("OCR_SERVICE_ADDRESS", "ocr:5000")
	t.Setenv("EXTRACTOR_ADDRESS", "extractor:5001")
	t.Setenv("OCR_OUTPUT_DIR", "/data/ocr")
	t.Setenv("AUTH_SECRET", "env-secret")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":8888", cfg.RunAddress)
	assert.Equal(t, "postgres://db/receipts", cfg.DatabaseURI)
	assert.Equal(t, "ocr:5000", cfg.OCRAddress)
	assert.Equal(t, "extractor:5001", cfg.ExtractorAddress)
	assert.Equal(t, "/data/ocr", cfg.OCROutputDir)
	assert.Equal(t, "env-secret", cfg.AuthSecret)
}

func TestParseEnvOverridesFlags(t *testing.T) {
	resetFlags()
	os.Args = []string{
		"smartreceipt",
		"-a", ":9090",
		"-d", "postgres://flag/receipts",
	}

	t.Setenv("RUN_ADDRESS", ":8888")
	t.Setenv("DATABASE_URI", "postgres://env/receipts")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":8888", cfg.RunAddress)
	assert.Equal(t, "postgres://env/receipts", cfg.DatabaseURI)
}
