package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultAddr = "127.0.0.1:8090"

type Config struct {
	DBPath        string
	Addr          string
	Endpoint      string
	PrivateKeyHex string
	RedisAddr     string
	AdminToken    string
	TLSCertFile   string
	TLSKeyFile    string
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	defaultDBPath := filepath.Join(cwd, "archodex.db")

	dbPath := envOrDefault("ARCHODEX_DB_PATH", defaultDBPath)
	addr := addrFromEnv(defaultAddr)
	endpoint := os.Getenv("ARCHODEX_ENDPOINT")
	privateKeyHex := os.Getenv("ARCHODEX_API_PRIVATE_KEY")
	redisAddr := os.Getenv("ARCHODEX_REDIS_ADDR")
	adminToken := os.Getenv("ARCHODEX_ADMIN_TOKEN")

	flagSet := flag.NewFlagSet("archodex-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagEndpoint := flagSet.String("endpoint", endpoint, "public endpoint URL report keys are bound to")
	flagRedis := flagSet.String("redis", redisAddr, "Redis address for the revocation cache (optional)")
	flagTLSCert := flagSet.String("tls-cert", "", "TLS certificate file (optional)")
	flagTLSKey := flagSet.String("tls-key", "", "TLS key file (optional)")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	config := Config{
		DBPath:        resolvePath(*flagDB, cwd),
		Addr:          strings.TrimSpace(*flagAddr),
		Endpoint:      strings.TrimSpace(*flagEndpoint),
		PrivateKeyHex: strings.TrimSpace(privateKeyHex),
		RedisAddr:     strings.TrimSpace(*flagRedis),
		AdminToken:    adminToken,
		TLSCertFile:   resolvePath(*flagTLSCert, cwd),
		TLSKeyFile:    resolvePath(*flagTLSKey, cwd),
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}

	// Report keys are cryptographically bound to the endpoint, so it
	// defaults to the listen address only for local setups.
	if config.Endpoint == "" {
		config.Endpoint = fmt.Sprintf("http://%s", config.Addr)
	}

	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("ARCHODEX_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("ARCHODEX_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
