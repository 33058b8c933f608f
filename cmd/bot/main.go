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

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"stoptrail/internal/domain"
	"stoptrail/internal/infrastructure/broker"
	"stoptrail/internal/infrastructure/logger"
	"stoptrail/internal/infrastructure/storage"
	"stoptrail/internal/usecase"
	"stoptrail/internal/web"
)

type Config struct {
	Broker struct {
		APIKey     string `yaml:"api_key"`
		APISecret  string `yaml:"api_secret"`
		Passphrase string `yaml:"passphrase"`
		Endpoint   string `yaml:"endpoint"`
	} `yaml:"broker"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
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

// applyEnv lets .env / environment credentials override the yaml so keys
// stay out of committed config files.
func applyEnv(cfg *Config) {
	if v := os.Getenv("COINBASE_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("COINBASE_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("COINBASE_PASSPHRASE"); v != "" {
		cfg.Broker.Passphrase = v
	}
}

func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "path to config file")
		symbolArg  = flag.String("symbol", "DOGE/USD", "trading pair as BASE/QUOTE")
		typeArg    = flag.String("type", "sell", "trade direction: sell or buy")
		distance   = flag.Float64("distance", 0.05, "trailing stop distance (decimal fraction in percentage mode)")
		absolute   = flag.Bool("absolute", false, "treat --distance as an absolute price offset")
		wide       = flag.Bool("wide", false, "allow a percentage distance >= 1")
		interval   = flag.Duration("interval", usecase.DefaultInterval, "price poll interval")
		dcaSpec    = flag.String("dca", "", "DCA ladder: DEFAULT or PRICE:AMOUNT,... (empty = simple mode)")
		simple     = flag.Bool("simple", false, "force simple mode, ignoring --dca")
		funds      = flag.Float64("funds", 0, "quote funds to allocate for a buy strategy (0 = full balance)")
		split      = flag.Int("split", 1, "number of concurrent engines splitting the allocation")
		staleness  = flag.Duration("lock-staleness", usecase.DefaultLockStaleness, "age after which a held instance lock is treated as abandoned")
		resetLock  = flag.Bool("reset-lock", false, "force-release the instance lock for this symbol/type and exit")
	)
	flag.Parse()

	// 1. Load Config
	_ = godotenv.Load()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnv(cfg)

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Parse Strategy Arguments
	symbol, err := domain.ParseSymbol(*symbolArg)
	if err != nil {
		log.Fatal("Invalid symbol", zap.Error(err))
	}
	direction, err := domain.ParseDirection(*typeArg)
	if err != nil {
		log.Fatal("Invalid trade type", zap.Error(err))
	}

	// 4. Init Storage
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "exit_strategy.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	if *resetLock {
		// Split runs lock suffixed state keys; clear those alongside the
		// bare symbol so a crashed --split run can be reset too.
		if err := usecase.ForceReleaseAll(context.Background(), store, symbol.String(), direction, *split); err != nil {
			log.Fatal("Failed to reset lock", zap.Error(err))
		}
		log.Info("Instance locks released",
			zap.String("symbol", symbol.String()),
			zap.String("type", string(direction)),
			zap.Int("split", *split),
		)
		return
	}

	// 5. Init Broker (Coinbase)
	adapter := broker.NewCoinbaseAdapter(
		cfg.Broker.APIKey,
		cfg.Broker.APISecret,
		cfg.Broker.Passphrase,
		cfg.Broker.Endpoint,
	)

	// 6. Build Engines
	mode := domain.StopModePercentage
	if *absolute {
		mode = domain.StopModeAbsolute
	}
	ladderSpec := *dcaSpec
	if *simple {
		ladderSpec = ""
	}
	engCfg := usecase.EngineConfig{
		Symbol:        symbol,
		Direction:     direction,
		StopMode:      mode,
		StopDistance:  *distance,
		AllowWideStop: *wide,
		Interval:      *interval,
		LadderSpec:    ladderSpec,
		Allocation:    *funds,
		LockStaleness: *staleness,
	}
	configs := usecase.SplitConfigs(engCfg, *split)

	bus := usecase.NewEventBus(64)
	runner, err := usecase.NewRunner(configs, adapter, store, store, bus, log)
	if err != nil {
		log.Fatal("Invalid strategy configuration", zap.Error(err))
	}

	// 7. Init Web Server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080 // Default
	}
	server := web.NewServer(port, runner, store, bus, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 8. Handle Shutdown Signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("Shutting down...")
		runner.Stop()
	}()

	// 9. Run
	runErr := runner.Run(context.Background())
	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown", zap.Error(err))
	}

	if runErr != nil {
		var held *domain.LockHeldError
		if errors.As(runErr, &held) {
			log.Fatal("Another instance is already running",
				zap.String("holder", held.Lock.String()),
				zap.String("hint", "use --reset-lock if the holder is known dead"),
			)
		}
		log.Fatal("Strategy failed", zap.Error(runErr))
	}
}
