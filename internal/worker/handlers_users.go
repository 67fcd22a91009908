package worker

import (
	"net/http"
	"net/mail"
	"strings"

	"github.com/thebtf/facepay/internal/db/gorm"
)

const (
	msgUserNotFound   = "User not found"
	msgEmailDuplicate = "Email already registered"
)

type createUserRequest struct {
	Pin            *string `json:"pin"`
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	InitialBalance float64 `json:"initial_balance"`
}

type updateUserRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

type verifyPinRequest struct {
	Pin string `json:"pin"`
}

// validEmail accepts a bare address such as "a@b.example".
func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	switch {
	case req.Name == "":
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	case !validEmail(req.Email):
		http.Error(w, "Invalid email address", http.StatusBadRequest)
		return
	case req.InitialBalance < 0:
		http.Error(w, "Initial balance must not be negative", http.StatusBadRequest)
		return
	}

	in := gorm.NewUser{Name: req.Name, Email: req.Email, InitialBalance: req.InitialBalance}
	if req.Pin != nil {
		in.Pin = *req.Pin
	}
	user, err := s.users.CreateUser(r.Context(), in)
	if err != nil {
		storeError(w, r, err, msgUserNotFound, msgEmailDuplicate)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Service) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListUsers(r.Context(), gorm.ParsePaginationParams(r, DefaultListLimit))
	if err != nil {
		storeError(w, r, err, msgUserNotFound, msgEmailDuplicate)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := s.users.GetUser(r.Context(), id)
	if err != nil {
		storeError(w, r, err, msgUserNotFound, msgEmailDuplicate)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Service) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			http.Error(w, "Name must not be empty", http.StatusBadRequest)
			return
		}
		req.Name = &name
	}
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		if !validEmail(email) {
			http.Error(w, "Invalid email address", http.StatusBadRequest)
			return
		}
		req.Email = &email
	}

	user, err := s.users.UpdateUser(r.Context(), id, gorm.UserPatch{Name: req.Name, Email: req.Email})
	if err != nil {
		storeError(w, r, err, msgUserNotFound, msgEmailDuplicate)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleVerifyPin checks a PIN against the stored hash without exposing it.
func (s *Service) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req verifyPinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Pin == "" {
		http.Error(w, "PIN is required", http.StatusBadRequest)
		return
	}

	valid, err := s.users.VerifyPin(r.Context(), id, req.Pin)
	if err != nil {
		storeError(w, r, err, msgUserNotFound, msgEmailDuplicate)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}
