package biometric

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	CaptureTimeout       time.Duration
	Samples              int
	FaceThreshold        float64
	FingerprintThreshold float64
}

func LoadConfig() Config {
	return Config{
		CaptureTimeout:       getDuration("BIOMETRIC_CAPTURE_TIMEOUT", 60*time.Second),
		Samples:              getInt("BIOMETRIC_SAMPLES", 5),
		FaceThreshold:        getFloat("BIOMETRIC_FACE_THRESHOLD", 70),
		FingerprintThreshold: getFloat("BIOMETRIC_FINGERPRINT_THRESHOLD", 30),
	}
}

func (c Config) captureTimeout() time.Duration {
	if c.CaptureTimeout <= 0 {
		return 60 * time.Second
	}
	return c.CaptureTimeout
}

func (c Config) samples() int {
	if c.Samples <= 0 {
		return 5
	}
	return c.Samples
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
