/**
 * @description
 * This file contains the HTTP handlers for the operator API. The surface is
 * internal-only: inspecting the account ledger, assigning the NEM address
 * for an account, and requeueing accounts a rejected transfer parked in
 * FAILED.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - The service's internal packages for domain models and storage.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/domain"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/store"
)

// AccountStore is the slice of the repository the operator API needs.
type AccountStore interface {
	FindByAddress(ctx context.Context, ethAddress string) (*domain.Account, error)
	ListAccounts(ctx context.Context, status string, limit int) ([]domain.Account, error)
	RetryFailed(ctx context.Context, ethAddress string) (bool, error)
	SetSettlementAddress(ctx context.Context, ethAddress, nemAddress string) (bool, error)
	GetOrCreate(ctx context.Context, ethAddress string) (*domain.Account, error)
}

// AccountHandlers holds dependencies for the operator endpoints.
type AccountHandlers struct {
	repo AccountStore
}

// NewAccountHandlers creates handlers backed by the given store.
func NewAccountHandlers(repo AccountStore) *AccountHandlers {
	return &AccountHandlers{repo: repo}
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

// ListAccountsHandler returns ledger records, optionally filtered by status.
func (h *AccountHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	accounts, err := h.repo.ListAccounts(r.Context(), status, limit)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to list accounts\" err=%v", err)
		respondWithError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	respondWithJSON(w, http.StatusOK, accounts)
}

// GetAccountHandler returns a single ledger record.
func (h *AccountHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	ethAddress := strings.ToLower(chi.URLParam(r, "address"))

	acct, err := h.repo.FindByAddress(r.Context(), ethAddress)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			respondWithError(w, http.StatusNotFound, "account not found")
			return
		}
		log.Printf("level=error component=api msg=\"failed to fetch account\" eth_address=%s err=%v", ethAddress, err)
		respondWithError(w, http.StatusInternalServerError, "failed to fetch account")
		return
	}
	respondWithJSON(w, http.StatusOK, acct)
}

// RetryAccountHandler moves a FAILED account back to PENDING so the
// scheduler retries it. This is the manual step after an operator has fixed
// whatever made the ledger reject the transfer.
func (h *AccountHandlers) RetryAccountHandler(w http.ResponseWriter, r *http.Request) {
	ethAddress := strings.ToLower(chi.URLParam(r, "address"))
	auditID := uuid.NewString()

	requeued, err := h.repo.RetryFailed(r.Context(), ethAddress)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to requeue account\" eth_address=%s err=%v", ethAddress, err)
		respondWithError(w, http.StatusInternalServerError, "failed to requeue account")
		return
	}
	if !requeued {
		respondWithError(w, http.StatusConflict, "account is not in FAILED status")
		return
	}
	log.Printf("level=info component=api msg=\"operator requeued failed account\" eth_address=%s audit_id=%s", ethAddress, auditID)
	respondWithJSON(w, http.StatusOK, map[string]string{"status": domain.StatusPending, "audit_id": auditID})
}

type setNemAddressRequest struct {
	NemAddress string `json:"nem_address"`
}

// SetNemAddressHandler assigns the settlement address for an account,
// creating the ledger record if no deposit has been seen yet. The mapping
// is write-once; repeated assignment returns a conflict.
func (h *AccountHandlers) SetNemAddressHandler(w http.ResponseWriter, r *http.Request) {
	ethAddress := strings.ToLower(chi.URLParam(r, "address"))

	var req setNemAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	nemAddress := strings.ToUpper(strings.TrimSpace(req.NemAddress))
	if nemAddress == "" {
		respondWithError(w, http.StatusBadRequest, "nem_address is required")
		return
	}

	if _, err := h.repo.GetOrCreate(r.Context(), ethAddress); err != nil {
		log.Printf("level=error component=api msg=\"failed to ensure account\" eth_address=%s err=%v", ethAddress, err)
		respondWithError(w, http.StatusInternalServerError, "failed to ensure account")
		return
	}

	assigned, err := h.repo.SetSettlementAddress(r.Context(), ethAddress, nemAddress)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to set nem address\" eth_address=%s err=%v", ethAddress, err)
		respondWithError(w, http.StatusInternalServerError, "failed to set nem address")
		return
	}
	if !assigned {
		respondWithError(w, http.StatusConflict, "nem address already set")
		return
	}
	log.Printf("level=info component=api msg=\"operator assigned nem address\" eth_address=%s nem_address=%s audit_id=%s", ethAddress, nemAddress, uuid.NewString())
	respondWithJSON(w, http.StatusOK, map[string]string{"nem_address": nemAddress})
}
