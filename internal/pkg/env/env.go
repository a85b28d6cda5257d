package env

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

var Env map[string]string

func GetEnv(key, def string) string {
	// First check our loaded Env map
	if val, ok := Env[key]; ok {
		return val
	}
	// Fallback to OS environment variables (for Docker/tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetEnvInt reads an integer setting, falling back to def on absence or a
// non-numeric value.
func GetEnvInt(key string, def int) int {
	raw := GetEnv(key, "")
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}

// GetEnvUint64 reads an unsigned 64-bit setting (block numbers, chain ids).
func GetEnvUint64(key string, def uint64) uint64 {
	raw := GetEnv(key, "")
	if raw == "" {
		return def
	}
	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return val
}

func SetupEnvFile() {
	// Look for .env file in project root
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/subflow to project root
		"../../../.env", // Fallback for deeper nesting
	}

	for _, envFile := range envFiles {
		if loaded, err := godotenv.Read(envFile); err == nil {
			Env = loaded
			return
		}
	}

	// No .env file found; the relayer is usually deployed with plain OS
	// environment variables, so this is not fatal.
	Env = map[string]string{}
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
