package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archodex/backend/pkg/api"
	"github.com/archodex/backend/pkg/keymat"
	"github.com/archodex/backend/pkg/store"
	redisstore "github.com/archodex/backend/pkg/store/redis"
)

func main() {
	fmt.Println(`{"level":"info","msg":"system_started","component":"archodex-d"}`)

	config, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Printf(`{"level":"fatal","msg":"failed_to_load_config","error":"%v"}`+"\n", err)
		os.Exit(1)
	}

	st, err := store.NewStore(config.DBPath)
	if err != nil {
		fmt.Printf(`{"level":"fatal","msg":"failed_to_init_store","error":"%v"}`+"\n", err)
		os.Exit(1)
	}
	fmt.Printf(`{"level":"info","msg":"store_initialized","path":"%s"}`+"\n", config.DBPath)

	var revocation *redisstore.RevocationCache
	if config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		revocation = redisstore.NewRevocationCache(client)
		fmt.Printf(`{"level":"info","msg":"revocation_cache_enabled","addr":"%s"}`+"\n", config.RedisAddr)
	}

	keys := keymat.NewCache(keymat.AccountLoader(st, config.PrivateKeyHex))
	auth := api.NewKeyAuthProvider(st, keys, config.Endpoint, revocation)

	server := api.NewServer(st, auth, keys, config.Endpoint, config.Addr)
	if config.AdminToken != "" {
		server.SetAdminToken(config.AdminToken)
	}
	if config.TLSCertFile != "" {
		server.SetTLS(config.TLSCertFile, config.TLSKeyFile)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		fmt.Printf(`{"level":"info","msg":"shutdown_initiated","signal":"%s"}`+"\n", sig)
	case err := <-errCh:
		if err != nil {
			fmt.Printf(`{"level":"fatal","msg":"server_failed","error":"%v"}`+"\n", err)
			st.Close()
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_stop_server","error":"%v"}`+"\n", err)
	}

	if err := st.Close(); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_close_store","error":"%v"}`+"\n", err)
	} else {
		fmt.Println(`{"level":"info","msg":"store_closed"}`)
	}

	fmt.Println(`{"level":"info","msg":"shutdown_complete"}`)
}
