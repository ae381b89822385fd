package helpers

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/op/go-logging"
	"gopkg.in/yaml.v3"
)

// NonceSize ...
const NonceSize = 32

// SystemParameters holds everything a node or a simulation run is configured with.
// Precedence, lowest first: defaults, YAML file, LEDGER_* environment, CLI flags.
type SystemParameters struct {
	// simulation
	Manufacturers int `yaml:"manufacturers" env:"LEDGER_MANUFACTURERS"`
	Transactions  int `yaml:"transactions" env:"LEDGER_TRANSACTIONS"`
	Frequency     int `yaml:"frequency" env:"LEDGER_FREQUENCY"` // issuances per hour, 0 is back-to-back
	Contention    int `yaml:"contention" env:"LEDGER_CONTENTION"`

	// protocol
	ConcurrentVerifications  int           `yaml:"concurrentVerifications" env:"LEDGER_CONCURRENT_VERIFICATIONS"`
	ConcurrentCertifications int           `yaml:"concurrentCertifications" env:"LEDGER_CONCURRENT_CERTIFICATIONS"`
	SessionTimeout           time.Duration `yaml:"sessionTimeout" env:"LEDGER_SESSION_TIMEOUT"`

	// node
	Name           string  `yaml:"name" env:"LEDGER_NAME"`
	Role           string  `yaml:"role" env:"LEDGER_ROLE"`
	RPCPort        int     `yaml:"rpcPort" env:"LEDGER_RPC_PORT"`
	APIAddress     string  `yaml:"apiAddress" env:"LEDGER_API_ADDRESS"`
	DirectoryPath  string  `yaml:"directory" env:"LEDGER_DIRECTORY"`
	DatabasePath   string  `yaml:"database" env:"LEDGER_DATABASE"`
	RateLimitRPS   float64 `yaml:"rateLimitRPS" env:"LEDGER_RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst" env:"LEDGER_RATE_LIMIT_BURST"`
}

// MakeSystemParameters returns the defaults.
func MakeSystemParameters() (sysParams *SystemParameters) {

	sysParams = &SystemParameters{
		Manufacturers:            2,
		Transactions:             10,
		Frequency:                0,
		Contention:               0,
		ConcurrentVerifications:  3,
		ConcurrentCertifications: 10,
		SessionTimeout:           30 * time.Second,
		RPCPort:                  8765,
		APIAddress:               ":8080",
		RateLimitRPS:             30,
		RateLimitBurst:           60,
	}

	return
}

// LoadFile merges non-zero values of a YAML file into sysParams.
// A missing file is not an error.
func (sysParams *SystemParameters) LoadFile(path string) (e error) {

	if path == "" {
		return
	}

	data, e := os.ReadFile(path)
	if e != nil {
		if os.IsNotExist(e) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, e)
	}

	var parsed SystemParameters
	if e = yaml.Unmarshal(data, &parsed); e != nil {
		return fmt.Errorf("parse config %s: %w", path, e)
	}

	sysParams.merge(parsed)

	return
}

// ApplyEnv overrides values from LEDGER_* environment variables.
func (sysParams *SystemParameters) ApplyEnv() error {
	if err := env.Parse(sysParams); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate ...
func (sysParams *SystemParameters) Validate() error {
	if sysParams.ConcurrentVerifications <= 0 {
		return fmt.Errorf("concurrent verifications must be positive, got %d", sysParams.ConcurrentVerifications)
	}
	if sysParams.ConcurrentCertifications <= 0 {
		return fmt.Errorf("concurrent certifications must be positive, got %d", sysParams.ConcurrentCertifications)
	}
	if sysParams.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %s", sysParams.SessionTimeout)
	}
	if sysParams.Manufacturers < 0 || sysParams.Transactions < 0 || sysParams.Frequency < 0 || sysParams.Contention < 0 {
		return fmt.Errorf("simulation parameters must not be negative")
	}
	return nil
}

// Log prints the effective parameters.
func (sysParams *SystemParameters) Log(logger *logging.Logger) {
	logger.Noticef("%+v\n", *sysParams)
}

func (sysParams *SystemParameters) merge(src SystemParameters) {
	if src.Manufacturers != 0 {
		sysParams.Manufacturers = src.Manufacturers
	}
	if src.Transactions != 0 {
		sysParams.Transactions = src.Transactions
	}
	if src.Frequency != 0 {
		sysParams.Frequency = src.Frequency
	}
	if src.Contention != 0 {
		sysParams.Contention = src.Contention
	}
	if src.ConcurrentVerifications != 0 {
		sysParams.ConcurrentVerifications = src.ConcurrentVerifications
	}
	if src.ConcurrentCertifications != 0 {
		sysParams.ConcurrentCertifications = src.ConcurrentCertifications
	}
	if src.SessionTimeout != 0 {
		sysParams.SessionTimeout = src.SessionTimeout
	}
	if src.Name != "" {
		sysParams.Name = src.Name
	}
	if src.Role != "" {
		sysParams.Role = src.Role
	}
	if src.RPCPort != 0 {
		sysParams.RPCPort = src.RPCPort
	}
	if src.APIAddress != "" {
		sysParams.APIAddress = src.APIAddress
	}
	if src.DirectoryPath != "" {
		sysParams.DirectoryPath = src.DirectoryPath
	}
	if src.DatabasePath != "" {
		sysParams.DatabasePath = src.DatabasePath
	}
	if src.RateLimitRPS != 0 {
		sysParams.RateLimitRPS = src.RateLimitRPS
	}
	if src.RateLimitBurst != 0 {
		sysParams.RateLimitBurst = src.RateLimitBurst
	}
}
