// Command walletimport adds existing wallets from a CSV file to the running
// cycle. Rows are private_key[,group_id]; the wallets are neither funded nor
// bought into.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-ultibot/config"
	"solana-ultibot/crypto"
	"solana-ultibot/events"
	"solana-ultibot/internal/engine"
	"solana-ultibot/storage"
)

func main() {
	configPath := flag.String("config", "config/config.json", "Config path")
	csvPath := flag.String("file", "", "CSV file with private_key[,group_id] rows")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if *csvPath == "" {
		log.Fatal().Msg("-file is required")
	}
	password := os.Getenv("ULTIBOT_ADMIN_PASSWORD")
	if password == "" {
		log.Fatal().Msg("ULTIBOT_ADMIN_PASSWORD is not set")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	vault, err := crypto.NewVault(cfg.MasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("vault unavailable")
	}
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.Redis.Enabled {
		rdb, err := events.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, import will not be broadcast")
		} else {
			defer rdb.Close()
			publisher = events.NewRedisPublisher(rdb, cfg.Redis.Channel, cfg.Redis.RecentMax)
		}
	}

	eng := engine.New(engine.Deps{DB: db, Vault: vault, Publisher: publisher}, engine.Options{})
	admin, err := engine.NewAdmin(eng, cfg.AdminPasswordHash)
	if err != nil {
		log.Fatal().Err(err).Msg("refusing to run")
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open CSV")
	}
	defer f.Close()

	wallets, err := admin.ImportWalletsCSV(context.Background(), password, f)
	if err != nil {
		log.Fatal().Err(err).Str("file", *csvPath).Msg("import failed")
	}

	green := color.New(color.FgGreen, color.Bold)
	green.Printf("imported %d wallets into cycle %d\n", len(wallets), wallets[0].CycleID)
	for _, w := range wallets {
		color.New(color.FgCyan).Printf("  #%d %s\n", w.Ordinal, w.Address)
	}
}
