package ehr

import (
	"os"
	"strconv"
)

const (
	defaultMaxFileBytes    = 10 << 20
	defaultTextPrefixBytes = 8 << 10
	defaultPDFMaxPages     = 3
)

type Config struct {
	Dir             string
	MaxFileBytes    int64
	TextPrefixBytes int64
	PDFMaxPages     int
}

func LoadConfig() Config {
	return Config{
		Dir:             getenv("EHR_DIR", "data/ehr"),
		MaxFileBytes:    int64(getInt("EHR_MAX_FILE_BYTES", defaultMaxFileBytes)),
		TextPrefixBytes: int64(getInt("EHR_TEXT_PREFIX_BYTES", defaultTextPrefixBytes)),
		PDFMaxPages:     getInt("EHR_PDF_MAX_PAGES", defaultPDFMaxPages),
	}
}

func (c Config) maxFileBytes() int64 {
	if c.MaxFileBytes <= 0 {
		return defaultMaxFileBytes
	}
	return c.MaxFileBytes
}

func (c Config) textPrefixBytes() int64 {
	if c.TextPrefixBytes <= 0 {
		return defaultTextPrefixBytes
	}
	return c.TextPrefixBytes
}

func (c Config) pdfMaxPages() int {
	if c.PDFMaxPages <= 0 {
		return defaultPDFMaxPages
	}
	return c.PDFMaxPages
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
