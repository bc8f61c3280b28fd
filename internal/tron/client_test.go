package tron

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	pool := NewPool([]string{server.URL}, zerolog.Nop())
	return NewClient(pool, zerolog.Nop())
}

func testAddress(fill byte) string {
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = fill
	}
	return base58.CheckEncode(payload, tronAddrVersion)
}

func TestGetAccount(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wallet/getaccount", r.URL.Path)
		json.NewEncoder(w).Encode(Account{Address: "TTest", Balance: 1_500_000})
	}))

	account, err := client.GetAccount(context.Background(), testAddress(0x01))
	require.NoError(t, err)
	assert.EqualValues(t, 1_500_000, account.Balance)
}

func TestBroadcastRejection(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(broadcastResult{
			Result:  false,
			Code:    "SIGERROR",
			Message: hex.EncodeToString([]byte("validate signature error")),
		})
	}))

	tx := &Transaction{TxID: "00", Signature: []string{"aa"}}
	_, err := client.Broadcast(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, IsPermanentBroadcastError(err))
	assert.Contains(t, err.Error(), "SIGERROR")
}

func TestBroadcastRefusesUnsigned(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unsigned transaction must not reach the node")
	}))

	_, err := client.Broadcast(context.Background(), &Transaction{TxID: "00"})
	assert.Error(t, err)
}

func TestBroadcastTemporaryRejection(t *testing.T) {
	err := &BroadcastError{NodeCode: "SERVER_BUSY"}
	assert.True(t, err.Temporary())
	assert.False(t, IsPermanentBroadcastError(err))

	err = &BroadcastError{NodeCode: "CONTRACT_VALIDATE_ERROR"}
	assert.False(t, err.Temporary())
	assert.True(t, IsPermanentBroadcastError(err))
}

func TestGetTransactionInfoNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))

	_, err := client.GetTransactionInfo(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestEncodeTransferParams(t *testing.T) {
	to := testAddress(0xAB)

	params, err := encodeTransferParams(to, big.NewInt(1_000_000))
	require.NoError(t, err)

	raw, err := hex.DecodeString(params)
	require.NoError(t, err)
	require.Len(t, raw, 64)

	// First slot: 12 zero bytes then the 20-byte address payload
	for i := 0; i < 12; i++ {
		assert.Zero(t, raw[i])
	}
	for i := 12; i < 32; i++ {
		assert.Equal(t, byte(0xAB), raw[i])
	}

	// Second slot: big-endian amount
	amount := new(big.Int).SetBytes(raw[32:])
	assert.EqualValues(t, 1_000_000, amount.Int64())

	t.Run("rejects malformed address", func(t *testing.T) {
		_, err := encodeTransferParams("not-an-address", big.NewInt(1))
		assert.Error(t, err)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := encodeTransferParams(to, big.NewInt(0))
		assert.Error(t, err)
	})
}

func TestBuildTRC20Transfer(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wallet/triggersmartcontract", r.URL.Path)

		var req triggerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "transfer(address,uint256)", req.FunctionSelector)
		assert.EqualValues(t, 420_000_000, req.FeeLimit)

		result := triggerResult{EnergyUsed: 64_895}
		result.Result.Result = true
		result.Transaction = Transaction{TxID: "00112233"}
		json.NewEncoder(w).Encode(result)
	}))

	tx, energy, err := client.BuildTRC20Transfer(
		context.Background(),
		testAddress(0x01), testAddress(0x02), testAddress(0x03),
		big.NewInt(50_000_000), 420_000_000,
	)
	require.NoError(t, err)
	assert.Equal(t, "00112233", tx.TxID)
	assert.EqualValues(t, 64_895, energy)
}
