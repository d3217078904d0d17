package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/testutil"
)

type testEnv struct {
	server *testutil.RPCServer
	ledger ledger.Ledger
}

func setup(t *testing.T, overrides *testOverrides) testEnv {
	server := testutil.NewRPCServer(t)
	if overrides == nil {
		overrides = &testOverrides{commitment: "confirmed"}
	}

	return testEnv{
		server: server,
		ledger: New(solana.New(server.URL), withManualTestOverrides(overrides)),
	}
}

func TestGetAccount(t *testing.T) {
	env := setup(t, nil)
	keys := testutil.GenerateSolanaKeys(t, 3)
	address, owner, missing := keys[0], keys[1], keys[2]

	env.server.Handle("getAccountInfo", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		var requested string
		_ = json.Unmarshal(params[0], &requested)

		if requested == base58.Encode(missing) {
			return map[string]interface{}{"context": map[string]interface{}{"slot": 1}, "value": nil}, nil
		}
		return map[string]interface{}{
			"context": map[string]interface{}{"slot": 1},
			"value": map[string]interface{}{
				"lamports":   5,
				"owner":      base58.Encode(owner),
				"data":       []string{base64.StdEncoding.EncodeToString([]byte("data")), "base64"},
				"executable": true,
			},
		}, nil
	})

	account, err := env.ledger.GetAccount(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, address, account.Address)
	assert.Equal(t, owner, account.Owner)
	assert.EqualValues(t, 5, account.Lamports)
	assert.Equal(t, []byte("data"), account.Data)
	assert.True(t, account.Executable)

	_, err = env.ledger.GetAccount(context.Background(), missing)
	assert.Equal(t, ledger.ErrAccountNotFound, err)

	env.server.Close()
	_, err = env.ledger.GetAccount(context.Background(), address)
	assert.True(t, errors.Is(err, ledger.ErrTransport))
}

func TestFreshnessAndHeight(t *testing.T) {
	env := setup(t, &testOverrides{commitment: "finalized"})
	hash := sha256.Sum256([]byte("hash"))

	env.server.Handle("getLatestBlockhash", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		assert.JSONEq(t, `{"commitment":"finalized"}`, string(params[0]))
		return map[string]interface{}{
			"context": map[string]interface{}{"slot": 1},
			"value": map[string]interface{}{
				"blockhash":            base58.Encode(hash[:]),
				"lastValidBlockHeight": 300,
			},
		}, nil
	})
	env.server.Handle("getBlockHeight", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return 150, nil
	})

	token, err := env.ledger.GetLatestFreshnessToken(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, hash, token.Blockhash)
	assert.EqualValues(t, 300, token.ExpiryHeight)

	height, err := env.ledger.GetBlockHeight(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 150, height)
}

func TestSubmitTransaction(t *testing.T) {
	env := setup(t, nil)

	payer := testutil.GenerateSolanaKeypair(t)
	txn := solana.NewTransaction(testutil.PublicKeyOf(payer), solana.NewInstruction(testutil.GenerateSolanaKeys(t, 1)[0], []byte{1}))
	require.NoError(t, txn.Sign(payer))
	expected := txn.Signature()

	var reject bool
	env.server.Handle("sendTransaction", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		if reject {
			return nil, &testutil.RPCError{
				Code:    -32002,
				Message: "Transaction simulation failed",
				Data: map[string]interface{}{
					"err": map[string]interface{}{"InstructionError": []interface{}{0, map[string]interface{}{"Custom": 0}}},
					"logs": []string{
						"Allocate: account Address { address: H7MQwEzt97tUJryocn3qaEoy2ymWstwyEk1i9Yv3EmuZ, base: None } already in use",
					},
				},
			}
		}
		return base58.Encode(expected[:]), nil
	})

	sig, err := env.ledger.SubmitTransaction(context.Background(), txn.Marshal())
	require.NoError(t, err)
	assert.Equal(t, expected, sig)

	reject = true
	sig, err = env.ledger.SubmitTransaction(context.Background(), txn.Marshal())
	assert.Equal(t, expected, sig)
	var rejected *ledger.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.True(t, rejected.IsAccountAlreadyInUse())
	assert.False(t, errors.Is(err, ledger.ErrTransport))

	_, err = env.ledger.SubmitTransaction(context.Background(), []byte{0xff})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrTransport))
	assert.Equal(t, 2, env.server.Calls("sendTransaction"))

	env.server.Close()
	_, err = env.ledger.SubmitTransaction(context.Background(), txn.Marshal())
	assert.True(t, errors.Is(err, ledger.ErrTransport))
}

func TestSubmitTransaction_AlreadyProcessed(t *testing.T) {
	env := setup(t, nil)

	payer := testutil.GenerateSolanaKeypair(t)
	txn := solana.NewTransaction(testutil.PublicKeyOf(payer), solana.NewInstruction(testutil.GenerateSolanaKeys(t, 1)[0], []byte{1}))
	require.NoError(t, txn.Sign(payer))
	expected := txn.Signature()

	for _, key := range []string{"AlreadyProcessed", "DuplicateSignature"} {
		env.server.Handle("sendTransaction", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
			return nil, &testutil.RPCError{
				Code:    -32002,
				Message: "Transaction simulation failed: This transaction has already been processed",
				Data:    map[string]interface{}{"err": key, "logs": []string{}},
			}
		})

		sig, err := env.ledger.SubmitTransaction(context.Background(), txn.Marshal())
		require.NoError(t, err, key)
		assert.Equal(t, expected, sig)
	}

	env.server.Handle("sendTransaction", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, &testutil.RPCError{
			Code:    -32002,
			Message: "Transaction simulation failed: Blockhash not found",
			Data:    map[string]interface{}{"err": "BlockhashNotFound", "logs": []string{}},
		}
	})
	_, err := env.ledger.SubmitTransaction(context.Background(), txn.Marshal())
	var rejected *ledger.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.True(t, rejected.IsBlockhashNotFound())
}

func TestGetTransactionStatus(t *testing.T) {
	env := setup(t, nil)

	var response []interface{}
	env.server.Handle("getSignatureStatuses", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return map[string]interface{}{
			"context": map[string]interface{}{"slot": 100},
			"value":   response,
		}, nil
	})

	for _, tc := range []struct {
		value    interface{}
		expected ledger.Status
		slot     uint64
	}{
		{nil, ledger.StatusPending, 0},
		{map[string]interface{}{"slot": 90, "confirmations": 0, "confirmationStatus": "processed", "err": nil}, ledger.StatusPending, 90},
		{map[string]interface{}{"slot": 91, "confirmations": 1, "confirmationStatus": "confirmed", "err": nil}, ledger.StatusConfirmed, 91},
		{map[string]interface{}{"slot": 92, "confirmations": nil, "confirmationStatus": "finalized", "err": nil}, ledger.StatusConfirmed, 92},
		{
			map[string]interface{}{
				"slot":               93,
				"confirmations":      nil,
				"confirmationStatus": "finalized",
				"err":                map[string]interface{}{"InstructionError": []interface{}{1, map[string]interface{}{"Custom": 1}}},
			},
			ledger.StatusRejected,
			93,
		},
	} {
		response = []interface{}{tc.value}

		status, err := env.ledger.GetTransactionStatus(context.Background(), solana.Signature{1})
		require.NoError(t, err)
		assert.Equal(t, tc.expected, status.Status)
		assert.EqualValues(t, tc.slot, status.Slot)

		if tc.expected == ledger.StatusRejected {
			require.NotNil(t, status.Rejection)
			assert.Equal(t, "Error processing Instruction 1: custom program error: 0x1", status.Rejection.Reason)
		} else {
			assert.Nil(t, status.Rejection)
		}
	}
}

func TestRateLimited(t *testing.T) {
	env := setup(t, &testOverrides{commitment: "confirmed", requestsPerSecond: 1})
	env.server.Handle("getBlockHeight", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return 1, nil
	})

	_, err := env.ledger.GetBlockHeight(context.Background())
	require.NoError(t, err)

	_, err = env.ledger.GetBlockHeight(context.Background())
	assert.True(t, errors.Is(err, ledger.ErrTransport))
	assert.Equal(t, 1, env.server.Calls("getBlockHeight"))
}

func TestInvalidCommitment(t *testing.T) {
	env := setup(t, &testOverrides{commitment: "eventually"})

	_, err := env.ledger.GetBlockHeight(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrTransport))
}

func TestCanceledContext(t *testing.T) {
	env := setup(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.ledger.GetBlockHeight(ctx)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 0, env.server.Calls("getBlockHeight"))
}

func TestDial(t *testing.T) {
	server := testutil.NewRPCServer(t)
	server.Handle("getBlockHeight", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return 7, nil
	})

	l := Dial(withManualTestOverrides(&testOverrides{endpoint: server.URL}))
	height, err := l.GetBlockHeight(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, height)

	defaults := withManualTestOverrides(&testOverrides{})()
	assert.Equal(t, string(solana.EnvironmentDev), defaults.endpoint.Get(context.Background()))
	assert.Equal(t, defaultCommitment, defaults.commitment.Get(context.Background()))
}

func TestGetBalance(t *testing.T) {
	env := setup(t, nil)
	keys := testutil.GenerateSolanaKeys(t, 2)
	funded, invalid := keys[0], keys[1]

	env.server.Handle("getBalance", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		var requested string
		_ = json.Unmarshal(params[0], &requested)
		assert.JSONEq(t, `{"commitment":"confirmed"}`, string(params[1]))

		if requested == base58.Encode(invalid) {
			return nil, &testutil.RPCError{Code: -32602, Message: "Invalid param"}
		}
		return map[string]interface{}{"context": map[string]interface{}{"slot": 1}, "value": 2_500_000}, nil
	})

	balance, err := env.ledger.GetBalance(context.Background(), funded)
	require.NoError(t, err)
	assert.EqualValues(t, 2_500_000, balance)

	balance, err = env.ledger.GetBalance(context.Background(), invalid)
	require.NoError(t, err)
	assert.Zero(t, balance)

	env.server.Close()
	_, err = env.ledger.GetBalance(context.Background(), funded)
	assert.True(t, errors.Is(err, ledger.ErrTransport))
}

func TestRequestAirdrop(t *testing.T) {
	env := setup(t, nil)
	address := testutil.GenerateSolanaKeys(t, 1)[0]
	expected := solana.Signature{9, 9, 9}

	env.server.Handle("requestAirdrop", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		var lamports uint64
		require.NoError(t, json.Unmarshal(params[1], &lamports))
		assert.EqualValues(t, 1_000_000_000, lamports)
		return base58.Encode(expected[:]), nil
	})

	sig, err := env.ledger.RequestAirdrop(context.Background(), address, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, expected, sig)

	env.server.Handle("requestAirdrop", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: -32603, Message: "airdrop request failed"}
	})
	_, err = env.ledger.RequestAirdrop(context.Background(), address, 1_000_000_000)
	assert.True(t, errors.Is(err, ledger.ErrTransport))
}
