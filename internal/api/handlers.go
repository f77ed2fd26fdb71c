package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/payroll-infra/internal/batch"
	"github.com/example/payroll-infra/internal/store"
	"github.com/example/payroll-infra/pkg/audit"
)

type createBatchRequest struct {
	Nonce    string        `json:"nonce"`
	Entries  []store.Entry `json:"entries"`
	FeeBps   *int64        `json:"fee_bps,omitempty"`
	Metadata string        `json:"metadata,omitempty"`
}

type createBatchResponse struct {
	BatchID  string            `json:"batch_id"`
	Digest   string            `json:"digest"`
	Total    int64             `json:"total"`
	Fee      int64             `json:"fee"`
	NetTotal int64             `json:"net_total"`
	Status   store.BatchStatus `json:"status"`
}

func handleCreateBatch(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "")
			return
		}

		feeBps := deps.FeeBps
		if req.FeeBps != nil {
			feeBps = *req.FeeBps
		}

		b, err := batch.Build(req.Entries, req.Nonce, feeBps)
		if err != nil {
			var verr *batch.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, "validation_failed", verr.Reason)
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		b.Metadata = req.Metadata

		if err := deps.Store.CreateBatch(r.Context(), b); err != nil {
			if errors.Is(err, store.ErrDuplicateNonce) {
				writeError(w, http.StatusConflict, "duplicate_nonce", "a batch with this nonce already exists")
				return
			}
			deps.Logger.Error("failed to persist batch", "error", err)
			writeError(w, http.StatusInternalServerError, "store_error", "")
			return
		}

		writeJSON(w, http.StatusCreated, createBatchResponse{
			BatchID:  b.ID,
			Digest:   b.Digest,
			Total:    b.Total,
			Fee:      b.Fee,
			NetTotal: b.NetTotal,
			Status:   b.Status,
		})
	}
}

type getBatchResponse struct {
	Batch      *store.Batch       `json:"batch"`
	FundingTxs []*store.FundingTx `json:"funding_txs,omitempty"`
}

func handleGetBatch(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		b, err := deps.Store.GetBatch(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "")
				return
			}
			deps.Logger.Error("failed to load batch", "batch_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "store_error", "")
			return
		}

		txs, err := deps.Store.ListFundingTxsByBatch(r.Context(), id)
		if err != nil {
			deps.Logger.Error("failed to load funding txs", "batch_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "store_error", "")
			return
		}

		writeJSON(w, http.StatusOK, getBatchResponse{Batch: b, FundingTxs: txs})
	}
}

type executeBatchRequest struct {
	Approval batch.Approval `json:"approval"`
}

func handleExecuteBatch(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req executeBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "")
			return
		}
		if req.Approval.Signature == "" || req.Approval.SignedTimestamp == 0 {
			writeError(w, http.StatusBadRequest, "approval_required", "signature and signed_timestamp are required")
			return
		}

		result, err := deps.Executor.Execute(r.Context(), id, req.Approval)
		if err != nil {
			var aerr *batch.ApprovalError
			var serr *batch.StateError
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "not_found", "")
			case errors.As(err, &aerr):
				writeError(w, http.StatusBadRequest, "approval_rejected", aerr.Reason)
			case errors.As(err, &serr):
				writeError(w, http.StatusConflict, "not_executable", serr.Error())
			default:
				deps.Logger.Error("batch execution failed", "batch_id", id, "error", err)
				writeError(w, http.StatusInternalServerError, "execution_error", "")
			}
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

type provisionRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

func handleProvision(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payeeID := chi.URLParam(r, "id")

		var req provisionRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_json", "")
				return
			}
		}

		existing, err := deps.Store.GetAccountByOwner(r.Context(), payeeID)
		if err == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}

		account, err := deps.Provisioner.Provision(r.Context(), payeeID, req.Metadata)
		if err != nil {
			deps.Logger.Error("provisioning failed", "payee_id", payeeID, "error", err)
			writeError(w, http.StatusInternalServerError, "provision_error", "")
			return
		}

		writeJSON(w, http.StatusCreated, account)
	}
}

type balanceResponse struct {
	AccountID       string `json:"account_id"`
	SettledBalance  int64  `json:"settled_balance"`
	AllocatedAmount int64  `json:"allocated_amount"`
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		account, err := deps.Store.GetAccount(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "")
				return
			}
			deps.Logger.Error("failed to load account", "account_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "store_error", "")
			return
		}

		settled, err := deps.Backend.GetBalance(r.Context(), id)
		if err != nil {
			deps.Logger.Error("settlement balance query failed", "account_id", id, "error", err)
			writeError(w, http.StatusBadGateway, "settlement_error", "")
			return
		}

		writeJSON(w, http.StatusOK, balanceResponse{
			AccountID:       id,
			SettledBalance:  settled,
			AllocatedAmount: account.AllocatedAmount,
		})
	}
}

type anchorsResponse struct {
	Entries []*audit.AnchorEntry `json:"entries"`
	Valid   bool                 `json:"valid"`
}

func handleAnchors(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := deps.Anchors.Entries()
		writeJSON(w, http.StatusOK, anchorsResponse{
			Entries: entries,
			Valid:   audit.VerifyChain(entries),
		})
	}
}
