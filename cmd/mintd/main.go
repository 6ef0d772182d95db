package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nutjar/nutjar/mint"
	"github.com/nutjar/nutjar/mint/lightning"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading config from environment")
	}

	config, err := configFromEnv()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	m, err := mint.LoadMint(config)
	if err != nil {
		log.Fatalf("error setting up mint: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go m.StartInvoiceFeed(ctx)

	<-ctx.Done()
	log.Println("shutting down mint")
	if err := m.Close(); err != nil {
		log.Fatalf("error shutting down mint: %v", err)
	}
}

func configFromEnv() (mint.Config, error) {
	dbPath := os.Getenv("MINT_DB_PATH")
	if dbPath == "" {
		dbPath = defaultMintPath()
	}
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return mint.Config{}, err
	}

	feeReserve := lightning.FeeReserve{PercentFee: 0.01, MinFee: 2}
	if percent := os.Getenv("MINT_FEE_RESERVE_PERCENT"); percent != "" {
		parsed, err := strconv.ParseFloat(percent, 64)
		if err != nil {
			return mint.Config{}, err
		}
		feeReserve.PercentFee = parsed
	}
	if minFee := os.Getenv("MINT_FEE_RESERVE_MIN"); minFee != "" {
		parsed, err := strconv.ParseUint(minFee, 10, 64)
		if err != nil {
			return mint.Config{}, err
		}
		feeReserve.MinFee = parsed
	}

	lightningClient, err := lightningClientFromEnv(feeReserve)
	if err != nil {
		return mint.Config{}, err
	}

	var quoteExpiryMins uint
	if expiry := os.Getenv("MINT_QUOTE_EXPIRY_MINS"); expiry != "" {
		parsed, err := strconv.ParseUint(expiry, 10, 32)
		if err != nil {
			return mint.Config{}, err
		}
		quoteExpiryMins = uint(parsed)
	}

	enableMPP, _ := strconv.ParseBool(os.Getenv("MINT_ENABLE_MPP"))

	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	return mint.Config{
		DBPath:          dbPath,
		DBBackend:       os.Getenv("MINT_DB_BACKEND"),
		QuoteExpiryMins: quoteExpiryMins,
		LightningClient: lightningClient,
		EnableMPP:       enableMPP,
		LogLevel:        logLevel,
	}, nil
}

func lightningClientFromEnv(feeReserve lightning.FeeReserve) (lightning.Client, error) {
	switch os.Getenv("LIGHTNING_BACKEND") {
	case "cln":
		return lightning.SetupCLNClient(lightning.CLNConfig{
			RestURL: os.Getenv("CLN_REST_URL"),
			Rune:    os.Getenv("CLN_RUNE"),
		}, feeReserve)
	case "fake":
		return lightning.NewFakeBackend(), nil
	default:
		return lightning.SetupLndClient(lightning.LndConfig{
			GRPCHost:     os.Getenv("LND_GRPC_HOST"),
			CertPath:     os.Getenv("LND_CERT_PATH"),
			MacaroonPath: os.Getenv("LND_MACAROON_PATH"),
		}, feeReserve)
	}
}

func defaultMintPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(homedir, ".nutjar", "mint")
}
