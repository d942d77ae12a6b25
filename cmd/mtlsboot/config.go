package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/guseggert/mtlsboot/bootstrap"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML file given with --config. Flags set on the command line win over it.
type fileConfig struct {
	ClientCommonName string `yaml:"client_common_name"`
	ServerCommonName string `yaml:"server_common_name"`
	SigningConfig    string `yaml:"signing_config"`
	Port             *int   `yaml:"port"`
	ValidityDays     int    `yaml:"validity_days"`
	ArtifactPath     string `yaml:"artifact_path"`
	CertDir          string `yaml:"cert_dir"`
	Server           string `yaml:"server"`
	// ServerParams is any YAML mapping, forwarded to the server as JSON.
	ServerParams     map[string]interface{} `yaml:"server_params"`
	Executable       string                 `yaml:"executable"`
	ReadinessTimeout string                 `yaml:"readiness_timeout"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func defaultCertDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home dir: %w", err)
	}
	return filepath.Join(home, ".certs"), nil
}

// buildRequest merges flags over the config file over flag defaults.
func buildRequest(ctx *cli.Context) (bootstrap.LaunchRequest, error) {
	var cfg fileConfig
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = loadFileConfig(path)
		if err != nil {
			return bootstrap.LaunchRequest{}, err
		}
	}

	str := func(flag, fromFile string) string {
		if ctx.IsSet(flag) || fromFile == "" {
			return ctx.String(flag)
		}
		return fromFile
	}

	req := bootstrap.LaunchRequest{
		ClientCommonName:  str("client-cn", cfg.ClientCommonName),
		ServerCommonName:  str("server-cn", cfg.ServerCommonName),
		SigningConfigPath: str("signing-config", cfg.SigningConfig),
		ArtifactPath:      str("artifact", cfg.ArtifactPath),
		CertDir:           str("cert-dir", cfg.CertDir),
		ServerEntryPoint:  str("server", cfg.Server),
		Executable:        str("executable", cfg.Executable),
		Port:              ctx.Int("port"),
		ValidityDays:      ctx.Int("validity-days"),
	}
	if !ctx.IsSet("port") && cfg.Port != nil {
		req.Port = *cfg.Port
	}
	if !ctx.IsSet("validity-days") && cfg.ValidityDays != 0 {
		req.ValidityDays = cfg.ValidityDays
	}

	if req.CertDir == "" {
		dir, err := defaultCertDir()
		if err != nil {
			return req, err
		}
		req.CertDir = dir
	}

	if ctx.IsSet("server-params") || cfg.ServerParams == nil {
		if p := ctx.String("server-params"); p != "" {
			req.ServerParams = json.RawMessage(p)
		}
	} else {
		b, err := json.Marshal(cfg.ServerParams)
		if err != nil {
			return req, fmt.Errorf("encoding server params: %w", err)
		}
		req.ServerParams = b
	}

	req.ReadinessTimeout = ctx.Duration("readiness-timeout")
	if !ctx.IsSet("readiness-timeout") && cfg.ReadinessTimeout != "" {
		d, err := time.ParseDuration(cfg.ReadinessTimeout)
		if err != nil {
			return req, fmt.Errorf("parsing readiness timeout: %w", err)
		}
		req.ReadinessTimeout = d
	}

	return req, nil
}
