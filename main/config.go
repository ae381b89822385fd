package main

import (
	"time"

	"github.com/dbogatov/car-ledger/helpers"
	"github.com/urfave/cli/v2"
)

func protocolFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "conc-verifications",
			Value: 3,
			Usage: "number of concurrent proposal verifications a node can do",
		},
		&cli.IntFlag{
			Name:  "conc-certifications",
			Value: 10,
			Usage: "number of concurrent certifications the notary can do",
		},
		&cli.DurationFlag{
			Name:  "session-timeout",
			Value: helpers.MakeSystemParameters().SessionTimeout,
			Usage: "how long a party waits for a counterparty",
		},
	}
}

func simulationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "manufacturers",
			Value: 2,
			Usage: "number of manufacturers",
		},
		&cli.IntFlag{
			Name:  "transactions",
			Value: 10,
			Usage: "total number of issuances per manufacturer",
		},
		&cli.IntFlag{
			Name:  "frequency",
			Value: 0,
			Usage: "issuances per hour per manufacturer, 0 issues back-to-back",
		},
		&cli.IntFlag{
			Name:  "contention",
			Value: 0,
			Usage: "number of issued cars to relocate twice concurrently",
		},
	}
}

func nodeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "name",
			Usage: "name of this node in the directory",
		},
		&cli.StringFlag{
			Name:  "role",
			Usage: "expected role of this node",
		},
		&cli.IntFlag{
			Name:  "rpc-port",
			Value: 8765,
			Usage: "port serving the ledger protocol",
		},
		&cli.StringFlag{
			Name:  "api-address",
			Value: ":8080",
			Usage: "address serving the HTTP API",
		},
		&cli.StringFlag{
			Name:  "directory",
			Usage: "YAML file listing every node of the network",
		},
		&cli.StringFlag{
			Name:  "database",
			Usage: "SQLite file for the vault, memory if empty",
		},
		&cli.Float64Flag{
			Name:  "rate-limit-rps",
			Value: 30,
			Usage: "issuances per second allowed per client",
		},
		&cli.IntFlag{
			Name:  "rate-limit-burst",
			Value: 60,
			Usage: "issuance burst allowed per client",
		},
	}
}

// flagged is the view of a cli.Context loadParameters needs.
type flagged interface {
	IsSet(name string) bool
	String(name string) string
	Int(name string) int
	Float64(name string) float64
	Duration(name string) time.Duration
}

// loadParameters layers defaults, the config file, the environment and
// finally the flags given explicitly on the command line.
func loadParameters(c *cli.Context) (sysParams *helpers.SystemParameters, e error) {

	sysParams = helpers.MakeSystemParameters()

	if e = sysParams.LoadFile(c.String("config")); e != nil {
		return
	}
	if e = sysParams.ApplyEnv(); e != nil {
		return
	}

	applyFlags(sysParams, c)

	e = sysParams.Validate()

	return
}

func applyFlags(sysParams *helpers.SystemParameters, f flagged) {

	ints := map[string]*int{
		"manufacturers":       &sysParams.Manufacturers,
		"transactions":        &sysParams.Transactions,
		"frequency":           &sysParams.Frequency,
		"contention":          &sysParams.Contention,
		"conc-verifications":  &sysParams.ConcurrentVerifications,
		"conc-certifications": &sysParams.ConcurrentCertifications,
		"rpc-port":            &sysParams.RPCPort,
		"rate-limit-burst":    &sysParams.RateLimitBurst,
	}
	for name, value := range ints {
		if f.IsSet(name) {
			*value = f.Int(name)
		}
	}

	strings := map[string]*string{
		"name":        &sysParams.Name,
		"role":        &sysParams.Role,
		"api-address": &sysParams.APIAddress,
		"directory":   &sysParams.DirectoryPath,
		"database":    &sysParams.DatabasePath,
	}
	for name, value := range strings {
		if f.IsSet(name) {
			*value = f.String(name)
		}
	}

	if f.IsSet("session-timeout") {
		sysParams.SessionTimeout = f.Duration("session-timeout")
	}
	if f.IsSet("rate-limit-rps") {
		sysParams.RateLimitRPS = f.Float64("rate-limit-rps")
	}
}
