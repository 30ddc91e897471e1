package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"firechat/chat"
	"firechat/config"
	"firechat/gateway"
	"firechat/identity"
	"firechat/pricebot"
	"firechat/storage"
	"firechat/transport"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "firechat",
		Usage:   "Wallet-to-wallet chat node",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			sendCommand(),
			resolveCommand(),
			registerCommand(),
			configCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Start the chat node and local gateway",
		Action: runNode,
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a single message and exit",
		ArgsUsage: "RECIPIENT MESSAGE",
		Action:    runSend,
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve a .fire domain to a wallet address",
		ArgsUsage: "NAME",
		Action:    runResolve,
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:      "register",
		Usage:     "Register a .fire domain for the configured wallet",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "image",
				Usage: "Optional avatar image reference",
			},
		},
		Action: runRegister,
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Create a configuration file with defaults",
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration file",
				Action: runConfigValidate,
			},
		},
	}
}

// configPath returns the --config flag value or the default location under
// the data directory.
func configPath(c *cli.Context) (string, error) {
	if path := c.String("config"); path != "" {
		return path, nil
	}
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve data directory: %w", err)
	}
	return config.Path(dataDir), nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path, err := configPath(c)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func setupLogging(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportChain:
		return transport.NewChainLog(transport.ChainLogOptions{
			Endpoint: cfg.Transport.ChainEndpoint,
			Contract: cfg.Transport.ChainContract,
			From:     cfg.Identity.Address,
		})
	case config.TransportRelay:
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return transport.DialRelay(ctx, transport.RelayOptions{
			URL:   cfg.Transport.RelayURL,
			Token: cfg.Transport.RelayToken,
			Self:  cfg.Identity.Address,
		})
	case config.TransportMemory:
		return transport.NewMemory(cfg.Identity.Address, 200*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func runNode(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
	}()

	tr, err := buildTransport(cfg)
	if err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Msg("transport close error")
		}
	}()

	session, err := chat.Open(chat.SessionOptions{
		Self:      cfg.Identity.Address,
		Transport: tr,
		History:   store,
	})
	if err != nil {
		return fmt.Errorf("failed to open chat session: %w", err)
	}
	defer session.Close()

	log.Info().
		Str("address", session.Self()).
		Str("transport", cfg.Transport.Kind).
		Str("database", dbPath).
		Msg("node started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var registry *identity.Registry
	if cfg.Registry.Endpoint != "" {
		registry, err = identity.NewRegistry(identity.RegistryOptions{BaseURL: cfg.Registry.Endpoint})
		if err != nil {
			return fmt.Errorf("failed to build registry client: %w", err)
		}
	}

	var feed *pricebot.Feed
	var bot *pricebot.Bot
	if cfg.PriceFeed.Endpoint != "" {
		feed, err = pricebot.NewFeed(pricebot.FeedOptions{
			Endpoint: cfg.PriceFeed.Endpoint,
			Pairs:    cfg.PriceFeed.Pairs,
		})
		if err != nil {
			return fmt.Errorf("failed to build price feed: %w", err)
		}
		go feed.Run(ctx)

		bot = pricebot.New(feed, session.Index())
		go bot.Run(ctx)
	}

	gw, err := gateway.New(gateway.Options{
		Session:  session,
		Registry: registry,
		Store:    store,
		Feed:     feed,
		Bot:      bot,
	})
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(cfg.Gateway.Bind)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Shutdown(shutdownCtx)
}

func runSend(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("usage: firechat send RECIPIENT MESSAGE")
	}
	recipientArg := c.Args().Get(0)
	content := strings.Join(c.Args().Slice()[1:], " ")

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	recipient := recipientArg
	if !identity.ValidAddress(recipientArg) {
		if cfg.Registry.Endpoint == "" {
			return fmt.Errorf("recipient %q is not an address and no registry is configured", recipientArg)
		}
		registry, err := identity.NewRegistry(identity.RegistryOptions{BaseURL: cfg.Registry.Endpoint})
		if err != nil {
			return err
		}
		name, err := identity.CanonicalDomain(recipientArg)
		if err != nil {
			return err
		}
		recipient, err = registry.Resolve(c.Context, name)
		if err != nil {
			return fmt.Errorf("failed to resolve %q: %w", recipientArg, err)
		}
	}

	tr, err := buildTransport(cfg)
	if err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	defer tr.Close()

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	session, err := chat.Open(chat.SessionOptions{
		Self:      cfg.Identity.Address,
		Transport: tr,
		History:   store,
	})
	if err != nil {
		return fmt.Errorf("failed to open chat session: %w", err)
	}
	defer session.Close()

	handle, err := session.Send(c.Context, content, recipient)
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	ref, err := handle.Wait(c.Context)
	if err != nil {
		return fmt.Errorf("send not confirmed: %w", err)
	}
	fmt.Printf("Sent. Transaction: %s\n", ref)
	return nil
}

func runResolve(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: firechat resolve NAME")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Registry.Endpoint == "" {
		return fmt.Errorf("no registry endpoint configured")
	}

	name, err := identity.CanonicalDomain(c.Args().First())
	if err != nil {
		return err
	}

	registry, err := identity.NewRegistry(identity.RegistryOptions{BaseURL: cfg.Registry.Endpoint})
	if err != nil {
		return err
	}
	address, err := registry.Resolve(c.Context, name)
	if err != nil {
		return err
	}

	display, err := identity.Checksum(address)
	if err != nil {
		display = address
	}
	fmt.Printf("%s.fire -> %s\n", name, display)
	return nil
}

func runRegister(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: firechat register NAME")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Registry.Endpoint == "" {
		return fmt.Errorf("no registry endpoint configured")
	}

	name, err := identity.CanonicalDomain(c.Args().First())
	if err != nil {
		return err
	}

	registry, err := identity.NewRegistry(identity.RegistryOptions{BaseURL: cfg.Registry.Endpoint})
	if err != nil {
		return err
	}
	ref, err := registry.Register(c.Context, name, cfg.Identity.Address, c.String("image"))
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	fmt.Printf("Registered %s.fire for %s (transaction %s)\n", name, cfg.Identity.Address, ref)
	return nil
}

func runConfigInit(c *cli.Context) error {
	path, err := configPath(c)
	if err != nil {
		return err
	}
	if err := config.Init(path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	fmt.Printf("Created configuration file at %s\n", path)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	path, err := configPath(c)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Println("Configuration is valid")
	return nil
}
