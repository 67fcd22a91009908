package worker

import (
	"net/http"
	"strconv"

	"github.com/thebtf/facepay/internal/db/gorm"
)

const (
	msgTransactionNotFound = "Transaction not found"
	msgPartyNotFound       = "User or merchant not found"
)

type createTransactionRequest struct {
	UserID     int64   `json:"user_id"`
	MerchantID int64   `json:"merchant_id"`
	Amount     float64 `json:"amount"`
}

// handleCreateTransaction debits the user's wallet and records the payment.
func (s *Service) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "Amount must be positive", http.StatusBadRequest)
		return
	}

	txn, err := s.transactions.CreateTransaction(r.Context(), req.UserID, req.MerchantID, req.Amount)
	if err != nil {
		storeError(w, r, err, msgPartyNotFound, "Duplicate transaction")
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// handleListTransactions lists payments newest first, optionally for one user.
func (s *Service) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	var userID *int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		userID = &id
	}

	txns, err := s.transactions.ListTransactions(r.Context(), userID, gorm.ParsePaginationParams(r, DefaultListLimit))
	if err != nil {
		storeError(w, r, err, msgTransactionNotFound, "")
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Service) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	txn, err := s.transactions.GetTransaction(r.Context(), id)
	if err != nil {
		storeError(w, r, err, msgTransactionNotFound, "")
		return
	}
	writeJSON(w, http.StatusOK, txn)
}
