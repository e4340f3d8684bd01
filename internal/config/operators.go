package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

// operatorKeysFile is the on-disk shape of the operator authorization map.
// Keys never live in the file itself, only the env var holding them.
//
//	operators:
//	  - address: "0x37893031A8c7F1F6b8c3A8A7F6C2f7F8B42Dd2a1"
//	    private_key_env: OPERATOR_1_KEY
type operatorKeysFile struct {
	Operators []struct {
		Address       string `yaml:"address"`
		PrivateKeyEnv string `yaml:"private_key_env"`
	} `yaml:"operators"`
}

// OperatorKeyring maps operator addresses to the approver key that signs
// delegation approvals on their behalf. Built once at startup, read-only after.
type OperatorKeyring struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewOperatorKeyring builds a keyring from already-parsed keys
func NewOperatorKeyring(keys map[common.Address]*ecdsa.PrivateKey) *OperatorKeyring {
	copied := make(map[common.Address]*ecdsa.PrivateKey, len(keys))
	for addr, key := range keys {
		copied[addr] = key
	}
	return &OperatorKeyring{keys: copied}
}

// LoadOperatorKeyring reads the operator authorization map from path.
// An empty path yields an empty keyring: every delegation request is then unauthorized.
func LoadOperatorKeyring(path string) (*OperatorKeyring, error) {
	if path == "" {
		return NewOperatorKeyring(nil), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operator keys file: %w", err)
	}
	return ParseOperatorKeyring(content, os.LookupEnv)
}

// ParseOperatorKeyring parses the YAML operator map, resolving keys through lookupEnv
func ParseOperatorKeyring(content []byte, lookupEnv func(string) (string, bool)) (*OperatorKeyring, error) {
	var file operatorKeysFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("failed to parse operator keys file: %w", err)
	}

	keys := make(map[common.Address]*ecdsa.PrivateKey, len(file.Operators))
	for i, entry := range file.Operators {
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("operator %d: invalid address %q", i, entry.Address)
		}
		operator := common.HexToAddress(entry.Address)
		if _, dup := keys[operator]; dup {
			return nil, fmt.Errorf("operator %s listed twice", operator.Hex())
		}

		raw, ok := lookupEnv(entry.PrivateKeyEnv)
		if !ok || raw == "" {
			return nil, fmt.Errorf("operator %s: env var %q is not set", operator.Hex(), entry.PrivateKeyEnv)
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
		if err != nil {
			return nil, fmt.Errorf("operator %s: failed to parse private key: %w", operator.Hex(), err)
		}
		keys[operator] = key
	}

	return &OperatorKeyring{keys: keys}, nil
}

// Lookup returns the approver key registered for operator
func (k *OperatorKeyring) Lookup(operator common.Address) (*ecdsa.PrivateKey, bool) {
	if k == nil {
		return nil, false
	}
	key, ok := k.keys[operator]
	return key, ok
}

// Len returns the number of registered operators
func (k *OperatorKeyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}
