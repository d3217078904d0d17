package pool

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/code-payments/pool-client/pkg/solana/binary"
)

const (
	LiquidityPoolAccountSize = (8 + // discriminator
		32 + // name
		8 + // created_at
		32 + // creator
		1 + // signer_bump
		32) // pool_provider
)

// LiquidityPoolAccountDiscriminator prefixes every pool account's data.
var LiquidityPoolAccountDiscriminator = accountDiscriminator("BasicLiquidityPool")

var liquidityPoolLayout = binary.NewLayout(
	binary.String("name"),
	binary.I64("created_at"),
	binary.U8("signer_bump"),
	binary.PublicKey("pool_provider"),
)

type LiquidityPoolAccount struct {
	Name         string
	CreatedAt    int64
	SignerBump   uint8
	PoolProvider ed25519.PublicKey
}

func (obj *LiquidityPoolAccount) Marshal() ([]byte, error) {
	encoded, err := liquidityPoolLayout.Encode(binary.Values{
		"name":          obj.Name,
		"created_at":    obj.CreatedAt,
		"signer_bump":   obj.SignerBump,
		"pool_provider": obj.PoolProvider,
	})
	if err != nil {
		return nil, err
	}

	size := LiquidityPoolAccountSize
	if n := len(LiquidityPoolAccountDiscriminator) + len(encoded); n > size {
		size = n
	}

	data := make([]byte, size)
	copy(data, LiquidityPoolAccountDiscriminator)
	copy(data[len(LiquidityPoolAccountDiscriminator):], encoded)
	return data, nil
}

func (obj *LiquidityPoolAccount) Unmarshal(data []byte) error {
	if len(data) < len(LiquidityPoolAccountDiscriminator) {
		return ErrInvalidAccountData
	}
	if !bytes.Equal(data[:len(LiquidityPoolAccountDiscriminator)], LiquidityPoolAccountDiscriminator) {
		return ErrInvalidAccountData
	}

	values, err := liquidityPoolLayout.Decode(data[len(LiquidityPoolAccountDiscriminator):])
	if err != nil {
		return err
	}

	obj.Name = values.String("name")
	obj.CreatedAt = values.Int64("created_at")
	obj.SignerBump = values.Uint8("signer_bump")
	obj.PoolProvider = values.PublicKey("pool_provider")
	return nil
}

func (obj *LiquidityPoolAccount) String() string {
	return fmt.Sprintf(
		"LiquidityPool{name=%s,created_at=%s,signer_bump=%d,pool_provider=%s}",
		obj.Name,
		time.Unix(obj.CreatedAt, 0).UTC().String(),
		obj.SignerBump,
		base58.Encode(obj.PoolProvider),
	)
}

func accountDiscriminator(name string) []byte {
	h := sha256.Sum256([]byte("account:" + name))
	return h[:8]
}
