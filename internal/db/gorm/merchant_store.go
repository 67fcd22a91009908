package gorm

import (
	"context"

	"gorm.io/gorm"
)

// MerchantStore provides merchant operations.
type MerchantStore struct {
	db *gorm.DB
}

// NewMerchantStore creates a new merchant store.
func NewMerchantStore(store *Store) *MerchantStore {
	return &MerchantStore{db: store.DB}
}

// CreateMerchant inserts a merchant. A taken name yields ErrDuplicate.
func (s *MerchantStore) CreateMerchant(ctx context.Context, name string) (*Merchant, error) {
	ctx, cancel := withTimeout(ctx, "create_merchant")
	defer cancel()

	merchant := &Merchant{Name: name}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureNameFree(tx, name, 0); err != nil {
			return err
		}
		return tx.Create(merchant).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return merchant, nil
}

// GetMerchant returns a merchant by id.
func (s *MerchantStore) GetMerchant(ctx context.Context, id int64) (*Merchant, error) {
	ctx, cancel := withTimeout(ctx, "get_merchant")
	defer cancel()

	var merchant Merchant
	if err := s.db.WithContext(ctx).First(&merchant, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &merchant, nil
}

// ListMerchants returns merchants ordered by id.
func (s *MerchantStore) ListMerchants(ctx context.Context, page PaginationParams) ([]Merchant, error) {
	page = page.normalize()
	ctx, cancel := withTimeout(ctx, "list_merchants")
	defer cancel()

	merchants := make([]Merchant, 0)
	err := s.db.WithContext(ctx).
		Order("id ASC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&merchants).Error
	if err != nil {
		return nil, translateError(err)
	}
	return merchants, nil
}

// RenameMerchant changes a merchant's name.
func (s *MerchantStore) RenameMerchant(ctx context.Context, id int64, name string) (*Merchant, error) {
	ctx, cancel := withTimeout(ctx, "rename_merchant")
	defer cancel()

	var merchant Merchant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&merchant, id).Error; err != nil {
			return err
		}
		if merchant.Name == name {
			return nil
		}
		if err := s.ensureNameFree(tx, name, id); err != nil {
			return err
		}
		merchant.Name = name
		return tx.Model(&merchant).Update("name", name).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &merchant, nil
}

func (s *MerchantStore) ensureNameFree(tx *gorm.DB, name string, exceptID int64) error {
	var count int64
	if err := tx.Model(&Merchant{}).Where("name = ? AND id <> ?", name, exceptID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicate
	}
	return nil
}
