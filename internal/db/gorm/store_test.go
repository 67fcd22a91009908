package gorm

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"
)

// StoreSuite runs the entity stores against a temporary SQLite file.
type StoreSuite struct {
	suite.Suite
	store        *Store
	users        *UserStore
	merchants    *MerchantStore
	transactions *TransactionStore
	ctx          context.Context
}

func (s *StoreSuite) SetupTest() {
	store, err := NewStore(Config{
		DSN:      filepath.Join(s.T().TempDir(), "facepay.db"),
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)

	s.store = store
	s.users = NewUserStore(store)
	s.merchants = NewMerchantStore(store)
	s.transactions = NewTransactionStore(store)
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	if s.store != nil {
		s.NoError(s.store.Close())
	}
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) newUser(email string, balance float64) *User {
	user, err := s.users.CreateUser(s.ctx, NewUser{Name: "Ada", Email: email, InitialBalance: balance})
	s.Require().NoError(err)
	return user
}

func (s *StoreSuite) newMerchant(name string) *Merchant {
	merchant, err := s.merchants.CreateMerchant(s.ctx, name)
	s.Require().NoError(err)
	return merchant
}

func (s *StoreSuite) TestNewStoreRequiresDSN() {
	_, err := NewStore(Config{})
	s.Error(err)
}

func (s *StoreSuite) TestDialectAndHealth() {
	s.Equal("sqlite", s.store.Dialect())
	s.NoError(s.store.Ping())

	info := s.store.HealthCheck(s.ctx)
	s.NotEqual("unhealthy", info.Status)
	s.Equal("sqlite", info.Dialect)
	s.Same(info, s.store.HealthCheck(s.ctx))
}

func (s *StoreSuite) TestMigrationsAreIdempotent() {
	s.NoError(runMigrations(s.store.DB))
}

func (s *StoreSuite) TestCreateUser() {
	user, err := s.users.CreateUser(s.ctx, NewUser{
		Name:           "Grace",
		Email:          "grace@example.com",
		InitialBalance: 25.5,
		Pin:            "4321",
	})
	s.Require().NoError(err)
	s.Positive(user.ID)
	s.Equal(25.5, user.WalletBalance)
	s.True(user.PinHash.Valid)
	s.NotEqual("4321", user.PinHash.String)

	got, err := s.users.GetUser(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Equal("grace@example.com", got.Email)
}

func (s *StoreSuite) TestCreateUserDuplicateEmail() {
	s.newUser("dup@example.com", 0)

	_, err := s.users.CreateUser(s.ctx, NewUser{Name: "Other", Email: "dup@example.com"})
	s.ErrorIs(err, ErrDuplicate)
}

func (s *StoreSuite) TestGetUserNotFound() {
	_, err := s.users.GetUser(s.ctx, 999)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestListUsers() {
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		s.newUser(email, 1)
	}

	all, err := s.users.ListUsers(s.ctx, PaginationParams{Limit: 10})
	s.Require().NoError(err)
	s.Len(all, 3)
	s.Equal("a@x.io", all[0].Email)

	page, err := s.users.ListUsers(s.ctx, PaginationParams{Limit: 1, Offset: 1})
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal("b@x.io", page[0].Email)
}

func (s *StoreSuite) TestUpdateUser() {
	user := s.newUser("old@example.com", 0)
	s.newUser("taken@example.com", 0)

	name := "Renamed"
	updated, err := s.users.UpdateUser(s.ctx, user.ID, UserPatch{Name: &name})
	s.Require().NoError(err)
	s.Equal("Renamed", updated.Name)
	s.Equal("old@example.com", updated.Email)

	taken := "taken@example.com"
	_, err = s.users.UpdateUser(s.ctx, user.ID, UserPatch{Email: &taken})
	s.ErrorIs(err, ErrDuplicate)

	_, err = s.users.UpdateUser(s.ctx, 999, UserPatch{Name: &name})
	s.ErrorIs(err, ErrNotFound)

	same, err := s.users.UpdateUser(s.ctx, user.ID, UserPatch{})
	s.Require().NoError(err)
	s.Equal("Renamed", same.Name)
}

func (s *StoreSuite) TestVerifyPin() {
	user, err := s.users.CreateUser(s.ctx, NewUser{Name: "P", Email: "pin@example.com", Pin: "1234"})
	s.Require().NoError(err)
	noPin := s.newUser("nopin@example.com", 0)

	ok, err := s.users.VerifyPin(s.ctx, user.ID, "1234")
	s.NoError(err)
	s.True(ok)

	ok, err = s.users.VerifyPin(s.ctx, user.ID, "0000")
	s.NoError(err)
	s.False(ok)

	ok, err = s.users.VerifyPin(s.ctx, noPin.ID, "")
	s.NoError(err)
	s.False(ok)

	_, err = s.users.VerifyPin(s.ctx, 999, "1234")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestMerchants() {
	m := s.newMerchant("Coffee Cart")

	_, err := s.merchants.CreateMerchant(s.ctx, "Coffee Cart")
	s.ErrorIs(err, ErrDuplicate)

	got, err := s.merchants.GetMerchant(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal("Coffee Cart", got.Name)

	s.newMerchant("Bakery")
	_, err = s.merchants.RenameMerchant(s.ctx, m.ID, "Bakery")
	s.ErrorIs(err, ErrDuplicate)

	renamed, err := s.merchants.RenameMerchant(s.ctx, m.ID, "Espresso Bar")
	s.Require().NoError(err)
	s.Equal("Espresso Bar", renamed.Name)

	list, err := s.merchants.ListMerchants(s.ctx, PaginationParams{})
	s.Require().NoError(err)
	s.Len(list, 2)

	_, err = s.merchants.GetMerchant(s.ctx, 999)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestCreateTransactionDebitsWallet() {
	user := s.newUser("payer@example.com", 50)
	merchant := s.newMerchant("Shop")

	txn, err := s.transactions.CreateTransaction(s.ctx, user.ID, merchant.ID, 20)
	s.Require().NoError(err)
	s.Positive(txn.ID)
	s.Equal(TransactionStatusSuccess, txn.Status)
	s.Equal(20.0, txn.Amount)

	after, err := s.users.GetUser(s.ctx, user.ID)
	s.Require().NoError(err)
	s.InDelta(30.0, after.WalletBalance, 1e-9)

	got, err := s.transactions.GetTransaction(s.ctx, txn.ID)
	s.Require().NoError(err)
	s.Equal(user.ID, got.UserID)
	s.Equal(merchant.ID, got.MerchantID)
}

func (s *StoreSuite) TestCreateTransactionExactBalance() {
	user := s.newUser("exact@example.com", 10)
	merchant := s.newMerchant("Shop")

	_, err := s.transactions.CreateTransaction(s.ctx, user.ID, merchant.ID, 10)
	s.Require().NoError(err)

	after, err := s.users.GetUser(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Zero(after.WalletBalance)
}

func (s *StoreSuite) TestCreateTransactionInsufficientBalance() {
	user := s.newUser("poor@example.com", 5)
	merchant := s.newMerchant("Shop")

	_, err := s.transactions.CreateTransaction(s.ctx, user.ID, merchant.ID, 5.01)
	s.ErrorIs(err, ErrInsufficientBalance)

	after, err := s.users.GetUser(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Equal(5.0, after.WalletBalance)

	list, err := s.transactions.ListTransactions(s.ctx, nil, PaginationParams{})
	s.Require().NoError(err)
	s.Empty(list)
}

func (s *StoreSuite) TestCreateTransactionUnknownParties() {
	user := s.newUser("u@example.com", 5)
	merchant := s.newMerchant("Shop")

	_, err := s.transactions.CreateTransaction(s.ctx, 999, merchant.ID, 1)
	s.ErrorIs(err, ErrNotFound)
	_, err = s.transactions.CreateTransaction(s.ctx, user.ID, 999, 1)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestConcurrentPaymentsNeverOverdraw() {
	user := s.newUser("busy@example.com", 10)
	merchant := s.newMerchant("Shop")

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.transactions.CreateTransaction(s.ctx, user.ID, merchant.ID, 3); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(3), succeeded.Load())
	after, err := s.users.GetUser(s.ctx, user.ID)
	s.Require().NoError(err)
	s.InDelta(1.0, after.WalletBalance, 1e-9)
}

func (s *StoreSuite) TestListTransactions() {
	alice := s.newUser("alice@example.com", 100)
	bob := s.newUser("bob@example.com", 100)
	merchant := s.newMerchant("Shop")

	first, err := s.transactions.CreateTransaction(s.ctx, alice.ID, merchant.ID, 1)
	s.Require().NoError(err)
	_, err = s.transactions.CreateTransaction(s.ctx, bob.ID, merchant.ID, 2)
	s.Require().NoError(err)
	last, err := s.transactions.CreateTransaction(s.ctx, alice.ID, merchant.ID, 3)
	s.Require().NoError(err)

	all, err := s.transactions.ListTransactions(s.ctx, nil, PaginationParams{})
	s.Require().NoError(err)
	s.Len(all, 3)

	mine, err := s.transactions.ListTransactions(s.ctx, &alice.ID, PaginationParams{})
	s.Require().NoError(err)
	s.Require().Len(mine, 2)
	s.Equal(last.ID, mine[0].ID)
	s.Equal(first.ID, mine[1].ID)

	_, err = s.transactions.GetTransaction(s.ctx, 999)
	s.ErrorIs(err, ErrNotFound)
}
