package worker

import (
	"net/http"
	"strings"

	"github.com/thebtf/facepay/internal/db/gorm"
)

const (
	msgMerchantNotFound  = "Merchant not found"
	msgMerchantDuplicate = "Merchant already exists"
)

type merchantRequest struct {
	Name string `json:"name"`
}

// merchantName decodes and validates a merchant body.
func merchantName(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req merchantRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return "", false
	}
	return name, true
}

func (s *Service) handleCreateMerchant(w http.ResponseWriter, r *http.Request) {
	name, ok := merchantName(w, r)
	if !ok {
		return
	}
	merchant, err := s.merchants.CreateMerchant(r.Context(), name)
	if err != nil {
		storeError(w, r, err, msgMerchantNotFound, msgMerchantDuplicate)
		return
	}
	writeJSON(w, http.StatusCreated, merchant)
}

func (s *Service) handleListMerchants(w http.ResponseWriter, r *http.Request) {
	merchants, err := s.merchants.ListMerchants(r.Context(), gorm.ParsePaginationParams(r, DefaultListLimit))
	if err != nil {
		storeError(w, r, err, msgMerchantNotFound, msgMerchantDuplicate)
		return
	}
	writeJSON(w, http.StatusOK, merchants)
}

func (s *Service) handleGetMerchant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	merchant, err := s.merchants.GetMerchant(r.Context(), id)
	if err != nil {
		storeError(w, r, err, msgMerchantNotFound, msgMerchantDuplicate)
		return
	}
	writeJSON(w, http.StatusOK, merchant)
}

func (s *Service) handleUpdateMerchant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	name, ok := merchantName(w, r)
	if !ok {
		return
	}
	merchant, err := s.merchants.RenameMerchant(r.Context(), id, name)
	if err != nil {
		storeError(w, r, err, msgMerchantNotFound, msgMerchantDuplicate)
		return
	}
	writeJSON(w, http.StatusOK, merchant)
}
