package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stoptrail/internal/domain"
	"stoptrail/internal/infrastructure/broker"
)

type Config struct {
	Broker struct {
		APIKey     string `yaml:"api_key"`
		APISecret  string `yaml:"api_secret"`
		Passphrase string `yaml:"passphrase"`
		Endpoint   string `yaml:"endpoint"`
	} `yaml:"broker"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	symbolArg := flag.String("symbol", "DOGE/USD", "trading pair as BASE/QUOTE")
	flag.Parse()

	// 1. Load Config
	_ = godotenv.Load()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if v := os.Getenv("COINBASE_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("COINBASE_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("COINBASE_PASSPHRASE"); v != "" {
		cfg.Broker.Passphrase = v
	}

	symbol, err := domain.ParseSymbol(*symbolArg)
	if err != nil {
		fmt.Printf("Invalid symbol: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Coinbase Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Broker.Endpoint)
	if len(cfg.Broker.APIKey) >= 4 {
		fmt.Printf("API Key: %s...\n", cfg.Broker.APIKey[:4])
	}

	adapter := broker.NewCoinbaseAdapter(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.Passphrase, cfg.Broker.Endpoint)
	ctx := context.Background()

	// 2. Check Public Endpoint (Price)
	price, err := adapter.GetPrice(ctx, symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Current Price (%s): %f\n", symbol, price)
	}

	// 3. Check Private Endpoint (Balances)
	for _, currency := range []string{symbol.Base, symbol.Quote} {
		balance, err := adapter.GetBalance(ctx, currency)
		if err != nil {
			fmt.Printf("❌ Failed to get %s balance: %v\n", currency, err)
		} else {
			fmt.Printf("✅ Balance (%s): %f\n", currency, balance)
		}
	}
}
