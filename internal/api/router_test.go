package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payroll-infra/internal/approval"
	"github.com/example/payroll-infra/internal/batch"
	"github.com/example/payroll-infra/internal/provision"
	"github.com/example/payroll-infra/internal/settlement"
	"github.com/example/payroll-infra/internal/store"
	"github.com/example/payroll-infra/pkg/audit"
)

type apiFixture struct {
	server  *httptest.Server
	store   *store.Memory
	backend *settlement.Mock
	key     *secp256k1.PrivateKey
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	st := store.NewMemory()
	backend := settlement.NewMock()
	backend.Fund("vault-1", 1_000_000)
	anchors := audit.NewAnchorChain()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := batch.NewOrchestrator(batch.OrchestratorConfig{
		Store:             st,
		Backend:           backend,
		Anchors:           anchors,
		Logger:            logger,
		VaultAccountID:    "vault-1",
		AuthorizedAddress: approval.Address(key),
	})

	handler := NewRouter(Dependencies{
		Logger:      logger,
		Store:       st,
		Backend:     backend,
		Executor:    orch,
		Provisioner: provision.NewService(st, backend, logger),
		Anchors:     anchors,
		FeeBps:      100,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, store: st, backend: backend, key: key}
}

func (f *apiFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.server.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) approveRequest(batchID, nonce string) map[string]any {
	ts := time.Now().Unix()
	msg := approval.Message(batchID, nonce, ts)
	return map[string]any{
		"approval": map[string]any{
			"signature":        approval.Sign(msg, f.key),
			"signed_timestamp": ts,
		},
	}
}

func TestAPI_FullPayrollFlow(t *testing.T) {
	f := newAPIFixture(t)

	// Provision two payees.
	var accounts []store.Account
	for _, payee := range []string{"alice", "bob"} {
		resp := f.post(t, "/v1/payees/"+payee+"/provision", nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		accounts = append(accounts, decodeBody[store.Account](t, resp))
	}

	// Create the batch.
	resp := f.post(t, "/v1/batches", map[string]any{
		"nonce": "run-2024-01",
		"entries": []map[string]any{
			{"payee_id": "alice", "account_id": accounts[0].ID, "amount": 100},
			{"payee_id": "bob", "account_id": accounts[1].ID, "amount": 50},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[createBatchResponse](t, resp)
	assert.Equal(t, int64(150), created.Total)
	assert.Equal(t, int64(2), created.Fee)
	assert.Equal(t, int64(148), created.NetTotal)
	assert.Len(t, created.Digest, 64)

	// Execute it with a valid approval.
	resp = f.post(t, fmt.Sprintf("/v1/batches/%s/execute", created.BatchID),
		f.approveRequest(created.BatchID, "run-2024-01"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody[batch.ExecutionResult](t, resp)
	assert.Equal(t, store.BatchExecuted, result.Status)
	assert.Len(t, result.Results, 2)

	// The batch view includes its funding transactions.
	resp = f.get(t, "/v1/batches/"+created.BatchID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeBody[getBatchResponse](t, resp)
	assert.Equal(t, store.BatchExecuted, view.Batch.Status)
	assert.Len(t, view.FundingTxs, 2)

	// The executed digest is anchored and the chain verifies.
	resp = f.get(t, "/v1/anchors")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	anchors := decodeBody[anchorsResponse](t, resp)
	require.Len(t, anchors.Entries, 1)
	assert.Equal(t, created.Digest, anchors.Entries[0].Digest)
	assert.True(t, anchors.Valid)
}

func TestAPI_CreateBatch_ValidationFailure(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/batches", map[string]any{
		"nonce":   "n1",
		"entries": []map[string]any{},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CreateBatch_DuplicateNonce(t *testing.T) {
	f := newAPIFixture(t)

	body := map[string]any{
		"nonce": "n1",
		"entries": []map[string]any{
			{"payee_id": "p1", "account_id": "a1", "amount": 100},
		},
	}

	resp := f.post(t, "/v1/batches", body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.post(t, "/v1/batches", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_ExecuteBatch_RejectsBadApproval(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/batches", map[string]any{
		"nonce": "n1",
		"entries": []map[string]any{
			{"payee_id": "p1", "account_id": "a1", "amount": 100},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[createBatchResponse](t, resp)

	// Missing approval fields.
	resp = f.post(t, fmt.Sprintf("/v1/batches/%s/execute", created.BatchID), map[string]any{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Signature from an unauthorized key.
	intruder, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	ts := time.Now().Unix()
	resp = f.post(t, fmt.Sprintf("/v1/batches/%s/execute", created.BatchID), map[string]any{
		"approval": map[string]any{
			"signature":        approval.Sign(approval.Message(created.BatchID, "n1", ts), intruder),
			"signed_timestamp": ts,
		},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The batch is still created and re-submittable.
	resp = f.get(t, "/v1/batches/"+created.BatchID)
	view := decodeBody[getBatchResponse](t, resp)
	assert.Equal(t, store.BatchCreated, view.Batch.Status)
}

func TestAPI_ExecuteBatch_ReplayConflicts(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/batches", map[string]any{
		"nonce": "n1",
		"entries": []map[string]any{
			{"payee_id": "p1", "account_id": "a1", "amount": 100},
		},
	})
	created := decodeBody[createBatchResponse](t, resp)

	resp = f.post(t, fmt.Sprintf("/v1/batches/%s/execute", created.BatchID),
		f.approveRequest(created.BatchID, "n1"))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.post(t, fmt.Sprintf("/v1/batches/%s/execute", created.BatchID),
		f.approveRequest(created.BatchID, "n1"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_GetBatch_NotFound(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/v1/batches/no-such-batch")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Provision_Idempotent(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/payees/alice/provision", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeBody[store.Account](t, resp)

	resp = f.post(t, "/v1/payees/alice/provision", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody[store.Account](t, resp)

	assert.Equal(t, first.ID, second.ID)
}

func TestAPI_Balance(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/payees/alice/provision", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	account := decodeBody[store.Account](t, resp)

	f.backend.Fund(account.ID, 500)

	resp = f.get(t, "/v1/accounts/"+account.ID+"/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := decodeBody[balanceResponse](t, resp)
	assert.Equal(t, account.ID, bal.AccountID)
	assert.Equal(t, int64(500), bal.SettledBalance)
	assert.Equal(t, int64(0), bal.AllocatedAmount)

	resp = f.get(t, "/v1/accounts/no-such-account/balance")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Healthz(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/healthz")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
