package eip712

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var knownHashes = []struct {
	preimage string
	want     []byte
}{
	{"Transfer(address,address,uint256)", common.FromHex("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")},
	{"transfer(address,uint256)", common.FromHex("0xa9059cbb")},
}

// SelfCheck verifies the hashing primitive against well-known ERC-20 constants.
// A failure means every digest this package produces is wrong; callers must not start.
func SelfCheck() error {
	for _, k := range knownHashes {
		got := crypto.Keccak256([]byte(k.preimage))[:len(k.want)]
		if !bytes.Equal(got, k.want) {
			return fmt.Errorf("keccak256(%q) = %x, expected %x", k.preimage, got, k.want)
		}
	}
	return nil
}
