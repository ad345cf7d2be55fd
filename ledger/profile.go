package ledger

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidProfile signals a ledger profile missing required fields.
var ErrInvalidProfile = errors.New("ledger: invalid profile")

// Profile describes how to reach the permissioned ledger and its token contract.
type Profile struct {
	Network      string   `yaml:"network"`
	Peers        []string `yaml:"peers"`
	InitiateUser string   `yaml:"initiateUser"`
	BaseURL      string   `yaml:"baseURL"`
	WSURL        string   `yaml:"wsURL"`
	Token        Token    `yaml:"token"`
}

// Token identifies the fungible token contract on the permissioned ledger.
type Token struct {
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
}

// LoadProfile reads and validates a YAML profile from path.
func LoadProfile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("ledger: read profile: %w", err)
	}
	return ParseProfile(raw)
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(raw []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("ledger: decode profile: %w", err)
	}
	if p.Network == "" {
		p.Network = "jincormetanet"
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the fields every gateway call needs.
func (p Profile) Validate() error {
	var missing []string
	if strings.TrimSpace(p.BaseURL) == "" {
		missing = append(missing, "baseURL")
	}
	if strings.TrimSpace(p.WSURL) == "" {
		missing = append(missing, "wsURL")
	}
	if len(p.Peers) == 0 {
		missing = append(missing, "peers")
	}
	if strings.TrimSpace(p.Token.Address) == "" {
		missing = append(missing, "token.address")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidProfile, strings.Join(missing, ", "))
	}
	return nil
}
