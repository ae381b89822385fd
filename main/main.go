package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbogatov/car-ledger/api"
	"github.com/dbogatov/car-ledger/arbiter"
	"github.com/dbogatov/car-ledger/bench"
	"github.com/dbogatov/car-ledger/distributed"
	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/protocol"
	"github.com/dbogatov/car-ledger/simulator"
	"github.com/op/go-logging"
	"github.com/urfave/cli/v2"
)

var logger = logging.MustGetLogger("main")

func main() {

	app := &cli.App{
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML file with system parameters",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Value: false,
				Usage: "verbose output",
			},
		},
		Name:     "car-ledger",
		Usage:    "issues cars on a permissioned ledger, simulated or distributed",
		Version:  "v0.1.0",
		Compiled: time.Now(),
		Authors: []*cli.Author{
			&cli.Author{
				Name:  "Dmytro Bogatov",
				Email: "dmytro@dbogatov.org",
			},
		},
		Copyright: "(c) 2020 Dmytro Bogatov",
		Before: func(c *cli.Context) error {
			configureLogging(c.Bool("verbose"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "simulate",
				Usage:  "run the whole network in one process",
				Flags:  append(protocolFlags(), simulationFlags()...),
				Action: simulate,
			},
			{
				Name:   "node",
				Usage:  "run one node of a distributed network",
				Flags:  append(protocolFlags(), nodeFlags()...),
				Action: node,
			},
			{
				Name:   "arbiter",
				Usage:  "run the notary of a distributed network",
				Flags:  append(protocolFlags(), nodeFlags()...),
				Action: notary,
			},
			{
				Name:  "bench",
				Usage: "load a running node's API with issuances",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "url",
						Value: "http://localhost:8080",
						Usage: "base URL of the node's API",
					},
					&cli.IntFlag{
						Name:  "runs",
						Value: 100,
						Usage: "number of issuances",
					},
					&cli.IntFlag{
						Name:  "concurrent",
						Value: 10,
						Usage: "number of issuances in flight",
					},
				},
				Action: benchmark,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		logger.Fatal(err)
	}
}

func simulate(c *cli.Context) error {

	os.Remove("network-log.log")
	f, err := os.OpenFile("network-log.log", os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		logger.Fatalf("error opening file: %v", err)
	}
	defer f.Close()

	log.SetOutput(f)

	sysParams, err := loadParameters(c)
	if err != nil {
		return err
	}

	_, err = simulator.Simulate(sysParams)
	return err
}

func node(c *cli.Context) error {

	sysParams, err := loadParameters(c)
	if err != nil {
		return err
	}
	sysParams.Log(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return distributed.Run(ctx, sysParams)
}

func notary(c *cli.Context) error {

	sysParams, err := loadParameters(c)
	if err != nil {
		return err
	}
	sysParams.Role = string(ledger.RoleNotary)
	sysParams.Log(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return distributed.Run(ctx, sysParams)
}

func benchmark(c *cli.Context) error {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err := bench.StartRequests(ctx, c.String("url"), c.Int("runs"), c.Int("concurrent"))
	return err
}

func configureLogging(verbose bool) {
	logging.SetFormatter(
		logging.MustStringFormatter(`%{color}%{time:15:04:05.000} %{shortfunc:22s} ▶ %{level:6s} %{id:03x}%{color:reset} |	 %{message}`),
	)
	levelBackend := logging.AddModuleLevel(logging.NewLogBackend(os.Stdout, "", 0))
	if verbose {
		levelBackend.SetLevel(logging.DEBUG, "")
	} else {
		levelBackend.SetLevel(logging.INFO, "")
	}
	logging.SetBackend(levelBackend)

	for module, setLogger := range map[string]func(*logging.Logger){
		"simulator":   simulator.SetLogger,
		"distributed": distributed.SetLogger,
		"protocol":    protocol.SetLogger,
		"arbiter":     arbiter.SetLogger,
		"api":         api.SetLogger,
		"bench":       bench.SetLogger,
	} {
		setLogger(logging.MustGetLogger(module))
	}
}
