package main

import (
	"os"
	"strconv"
)

// Config holds serve's runtime configuration, bound directly from flags
// with an env-var fallback — the same plain-flags approach the teacher's
// dedupe command uses, no config-file library.
type Config struct {
	Addr            string
	WorkerKeyPath   string
	WorkDirRoot     string
	SeccompDir      string
	EnvBaseDir      string
	EnvCachePath    string
	QueueCapacity   int
	WorkerCount     int
	WindowBudgetCPU float64
}

// envOr returns os.LookupEnv(key) if set, else fallback. Its result is
// used as a flag's default when the flag is defined, so an explicitly
// passed flag always wins over the env var.
func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
