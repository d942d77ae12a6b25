package certs

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultCACommonName = "mtlsboot CA"
	defaultRSABits      = 2048
)

// SigningProfile customizes how the chain is issued. It is loaded from the YAML file named by IssueRequest.SigningConfigPath.
//
//	organization: Example Corp
//	ca_common_name: Example CA
//	rsa_bits: 3072
//	server_dns_names: [localhost]
//	server_ips: [127.0.0.1]
type SigningProfile struct {
	Organization   string   `yaml:"organization"`
	CACommonName   string   `yaml:"ca_common_name"`
	RSABits        int      `yaml:"rsa_bits"`
	ServerDNSNames []string `yaml:"server_dns_names"`
	ServerIPs      []string `yaml:"server_ips"`
}

// DefaultSigningProfile is used when no signing config is given.
func DefaultSigningProfile() SigningProfile {
	return SigningProfile{
		CACommonName: defaultCACommonName,
		RSABits:      defaultRSABits,
	}
}

// LoadSigningProfile reads a signing profile, filling unset fields with defaults. An empty path returns the defaults.
func LoadSigningProfile(path string) (SigningProfile, error) {
	profile := DefaultSigningProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return profile, fmt.Errorf("reading signing config: %w", err)
	}
	err = yaml.Unmarshal(data, &profile)
	if err != nil {
		return profile, fmt.Errorf("parsing signing config %q: %w", path, err)
	}

	if profile.CACommonName == "" {
		profile.CACommonName = defaultCACommonName
	}
	if profile.RSABits == 0 {
		profile.RSABits = defaultRSABits
	}
	if profile.RSABits < 2048 {
		return profile, fmt.Errorf("rsa_bits must be at least 2048, got %d", profile.RSABits)
	}
	for _, ip := range profile.ServerIPs {
		if net.ParseIP(ip) == nil {
			return profile, fmt.Errorf("invalid server IP %q", ip)
		}
	}
	return profile, nil
}

func (p SigningProfile) organization() []string {
	if p.Organization == "" {
		return nil
	}
	return []string{p.Organization}
}

func (p SigningProfile) serverIPs() []net.IP {
	var ips []net.IP
	for _, s := range p.ServerIPs {
		ips = append(ips, net.ParseIP(s))
	}
	return ips
}
