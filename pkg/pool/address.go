package pool

import (
	"crypto/ed25519"

	"github.com/code-payments/pool-client/pkg/solana"
)

var PoolAuthorityPrefix = []byte("POOL_LIQUIDITY")

// GetPoolAuthorityAddress derives the address that signs for the pool's
// token custody account.
func GetPoolAuthorityAddress(program, pool ed25519.PublicKey) (ed25519.PublicKey, uint8, error) {
	return solana.FindProgramAddressAndBump(
		program,
		PoolAuthorityPrefix,
		pool,
	)
}
