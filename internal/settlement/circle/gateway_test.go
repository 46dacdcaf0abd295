package circle

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/settlement"
)

func newTestGateway(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	gw, err := NewGateway(Config{
		BaseURL:              baseURL,
		APIKey:               "test-key",
		Key:                  key,
		SourceContract:       "0x0077777d7EBA4688BDeF3E311b846F25870A19B9",
		DestinationContract:  "0x0022222ABE238Cc2C7Bb1f21003F0a260052475B",
		SourceToken:          "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		DestinationToken:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		DestinationRecipient: "0x742d35Cc6634C0532925a3b8D402b1DeF8d87d87",
	})
	require.NoError(t, err)
	return gw
}

func sampleRequest() settlement.TransferRequest {
	return settlement.TransferRequest{ProofID: "proof-1", Amount: big.NewInt(10_000), SourceDomain: 0, DestinationDomain: 6}
}

func TestTransferPostsVerifiableBurnIntent(t *testing.T) {
	var gw *Gateway
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfer", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body []SignedIntent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body, 1)
		intent := body[0].BurnIntent
		require.Equal(t, "10000", intent.Spec.Value)
		require.Equal(t, uint32(6), intent.Spec.DestinationDomain)
		require.Equal(t, "2000001", intent.MaxFee)

		hash, _, err := apitypes.TypedDataAndHash(TypedData(intent))
		require.NoError(t, err)
		sig, err := hexutil.Decode(body[0].Signature)
		require.NoError(t, err)
		require.Len(t, sig, 65)
		sig[64] -= 27
		pub, err := crypto.SigToPub(hash, sig)
		require.NoError(t, err)
		require.Equal(t, gw.Signer(), crypto.PubkeyToAddress(*pub))

		_, _ = w.Write([]byte(`{"transferId":"tr-123","attestation":"0xabc","signature":"0xdef","fees":{"total":"2.000001"}}`))
	}))
	defer server.Close()
	gw = newTestGateway(t, server.URL)

	res, err := gw.Transfer(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.Equal(t, "tr-123", res.TxHash)
}

func TestBuildIntentIsStableAcrossRetries(t *testing.T) {
	gw := newTestGateway(t, "http://unused")
	a := gw.BuildIntent(sampleRequest())
	b := gw.BuildIntent(sampleRequest())
	require.Equal(t, a, b)
	require.Len(t, a.Spec.SourceSigner, 66)
	require.Equal(t, a.Spec.SourceSigner, a.Spec.SourceDepositor)
	require.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000000", a.Spec.DestinationCaller)
}

func TestTransferClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		code   xerrors.Code
	}{
		{name: "server error is transient", status: http.StatusBadGateway, body: `oops`, code: xerrors.CodeTransientNetwork},
		{name: "rate limit is transient", status: http.StatusTooManyRequests, body: `slow down`, code: xerrors.CodeTransientNetwork},
		{name: "bad request is terminal", status: http.StatusBadRequest, body: `{"message":"Invalid signature"}`, code: settlement.CodeSettlementError},
		{name: "explicit failure is terminal", status: http.StatusOK, body: `{"success":false,"message":"insufficient balance"}`, code: settlement.CodeSettlementError},
		{name: "missing transfer id is terminal", status: http.StatusOK, body: `{}`, code: settlement.CodeSettlementError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := newTestGateway(t, server.URL).Transfer(context.Background(), sampleRequest())
			require.Error(t, err)
			require.Equal(t, tc.code, xerrors.CodeOf(err))
			require.EqualValues(t, 1, hits.Load())
		})
	}
}

func TestTransferUnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestGateway(t, url).Transfer(context.Background(), sampleRequest())
	require.Equal(t, xerrors.CodeTransientNetwork, xerrors.CodeOf(err))
	require.True(t, xerrors.RetryableError(err))
}

func TestNewGatewayValidatesAddresses(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewGateway(Config{Key: key, SourceContract: "nope"})
	require.Error(t, err)
	_, err = NewGateway(Config{})
	require.Error(t, err)
}
