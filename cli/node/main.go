package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/config"
	"github.com/inkwell-agent/auction-node/log"
	"github.com/inkwell-agent/auction-node/node"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const (
	flagCfg = "cfg"
	flagSK  = "privatekey"
)

var version = "0.1.0-alpha"

func cmdImportKey(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return tracerr.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}

	scryptN := ethKeystore.StandardScryptN
	scryptP := ethKeystore.StandardScryptP
	if cfg.EVM.Keystore.LightScrypt {
		scryptN = ethKeystore.LightScryptN
		scryptP = ethKeystore.LightScryptP
	}
	keyStore := ethKeystore.NewKeyStore(cfg.EVM.Keystore.Path, scryptN, scryptP)
	hexKey := c.String(flagSK)
	hexKey = strings.TrimPrefix(hexKey, "0x")
	sk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	acc, err := keyStore.ImportECDSA(sk, cfg.EVM.Keystore.Password)
	if err != nil {
		return tracerr.Wrap(err)
	}
	log.Infow("Imported private key", "addr", acc.Address.Hex())
	return nil
}

func cmdRun(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return tracerr.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	nd, err := node.NewNode(version, cfg)
	if err != nil {
		return tracerr.Wrap(fmt.Errorf("error starting node: %w", err))
	}
	nd.Start()

	stopCh := make(chan interface{})

	// catch ^C to send the stop signal
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt)
	go func() {
		for sig := range ossig {
			if sig == os.Interrupt {
				stopCh <- nil
			}
		}
	}()
	<-stopCh
	nd.Stop()

	return nil
}

func cmdRefund(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return tracerr.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	campaign, err := node.NewRefundCampaign(cfg)
	if err != nil {
		return tracerr.Wrap(fmt.Errorf("error building refund campaign: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt)
	go func() {
		<-ossig
		log.Info("Interrupt received, stopping the refund campaign...")
		cancel()
	}()
	return tracerr.Wrap(campaign.Run(ctx))
}

func parseCli(c *cli.Context) (*config.Node, error) {
	cfg, err := getConfig(c)
	if err != nil {
		if err := cli.ShowAppHelp(c); err != nil {
			panic(err)
		}
		return nil, tracerr.Wrap(err)
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)
	return cfg, nil
}

func getConfig(c *cli.Context) (*config.Node, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, tracerr.Wrap(err)
	}
	nodeCfgPath := c.String(flagCfg)
	if nodeCfgPath == "" {
		return nil, tracerr.Wrap(fmt.Errorf("required flag \"%v\" not set", flagCfg))
	}
	cfg, err := config.Load(nodeCfgPath)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return cfg, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "auction-node"
	app.Version = version
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     flagCfg,
			Usage:    "Node configuration `FILE`",
			Required: true,
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:    "importkey",
			Aliases: []string{},
			Usage:   "Import ethereum private key",
			Action:  cmdImportKey,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     flagSK,
					Usage:    "ethereum `PRIVATE_KEY` in hex",
					Required: true,
				}},
		},
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the auction node",
			Action:  cmdRun,
		},
		{
			Name:    "refund",
			Aliases: []string{},
			Usage: "Run the refund campaign once, resuming from the " +
				"persisted state if a previous run was interrupted",
			Action: cmdRefund,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("\nError: %v\n", tracerr.Sprint(err))
		os.Exit(1)
	}
}
