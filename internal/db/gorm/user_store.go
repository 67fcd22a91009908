package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// NewUser holds the fields for creating a user.
type NewUser struct {
	Name           string
	Email          string
	Pin            string
	InitialBalance float64
}

// UserPatch holds optional user updates. Nil fields are left unchanged.
type UserPatch struct {
	Name  *string
	Email *string
}

// UserStore provides user operations.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore creates a new user store.
func NewUserStore(store *Store) *UserStore {
	return &UserStore{db: store.DB}
}

// CreateUser inserts a user. The PIN, when given, is stored as a bcrypt hash.
// A taken email yields ErrDuplicate.
func (s *UserStore) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	user := &User{
		Name:          in.Name,
		Email:         in.Email,
		WalletBalance: in.InitialBalance,
	}
	if in.Pin != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Pin), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash pin: %w", err)
		}
		user.PinHash = sql.NullString{String: string(hash), Valid: true}
	}

	ctx, cancel := withTimeout(ctx, "create_user")
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("email = ?", in.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}
		return tx.Create(user).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return user, nil
}

// GetUser returns a user by id.
func (s *UserStore) GetUser(ctx context.Context, id int64) (*User, error) {
	ctx, cancel := withTimeout(ctx, "get_user")
	defer cancel()

	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

// ListUsers returns users ordered by id.
func (s *UserStore) ListUsers(ctx context.Context, page PaginationParams) ([]User, error) {
	page = page.normalize()
	ctx, cancel := withTimeout(ctx, "list_users")
	defer cancel()

	users := make([]User, 0)
	err := s.db.WithContext(ctx).
		Order("id ASC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&users).Error
	if err != nil {
		return nil, translateError(err)
	}
	return users, nil
}

// UpdateUser applies patch and returns the updated user.
func (s *UserStore) UpdateUser(ctx context.Context, id int64, patch UserPatch) (*User, error) {
	updates := map[string]any{}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.Email != nil {
		updates["email"] = *patch.Email
	}

	ctx, cancel := withTimeout(ctx, "update_user")
	defer cancel()

	var user User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, id).Error; err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		if patch.Email != nil && *patch.Email != user.Email {
			var count int64
			if err := tx.Model(&User{}).Where("email = ? AND id <> ?", *patch.Email, id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicate
			}
		}
		if err := tx.Model(&user).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&user, id).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

// VerifyPin reports whether pin matches the user's stored PIN. Users without
// a PIN never match.
func (s *UserStore) VerifyPin(ctx context.Context, id int64, pin string) (bool, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return false, err
	}
	if !user.PinHash.Valid {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(user.PinHash.String), []byte(pin))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("compare pin: %w", err)
	}
}
