package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/vouchers/internal/config"
	"github.com/CedrosPay/vouchers/internal/dbpool"
	"github.com/CedrosPay/vouchers/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml")
	seedPath := flag.String("file", "vouchers.yaml", "inventory yaml to load")
	dryRun := flag.Bool("dry-run", false, "validate the file without writing")
	flag.Parse()

	_ = godotenv.Load(".env")

	f, err := os.Open(*seedPath)
	if err != nil {
		log.Fatal().Err(err).Msg("seed.open_failed")
	}
	vouchers, err := parseSeedFile(f)
	f.Close()
	if err != nil {
		log.Fatal().Err(err).Str("file", *seedPath).Msg("seed.invalid_file")
	}
	if *dryRun {
		fmt.Printf("%d vouchers valid in %s\n", len(vouchers), *seedPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config.load_failed")
	}
	if cfg.Storage.Backend == "" || cfg.Storage.Backend == "memory" {
		log.Fatal().Msg("seed.memory_backend: configure postgres or mongodb storage")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("seed.store_failed")
	}
	defer closeStore()

	inserted, err := store.AddVouchers(ctx, vouchers)
	if err != nil {
		log.Error().Err(err).Msg("seed.insert_failed")
		return
	}
	log.Info().
		Int("listed", len(vouchers)).
		Int("inserted", inserted).
		Int("skipped", len(vouchers)-inserted).
		Msg("seed.completed")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	storeCfg := storage.StoreConfigFrom(cfg.Storage, nil)
	if cfg.Storage.Backend != "postgres" {
		store, err := storage.NewStore(ctx, storeCfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	pool, err := dbpool.NewSharedPool(ctx, cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewStoreWithDB(ctx, storeCfg, pool.DB())
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, func() { _ = pool.Close() }, nil
}
