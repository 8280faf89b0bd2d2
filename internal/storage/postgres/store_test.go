package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/marketplace/internal/marketplace"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := New(sqlx.NewDb(db, "postgres"))
	store.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestRecordInsertsOperation(t *testing.T) {
	store, mock := newMockStore(t)
	op := marketplace.Operation{Kind: marketplace.OpBuyProduct, Caller: "NCaller", Name: "PDT1", Quantity: 10, Payment: 20}

	mock.ExpectExec("INSERT INTO marketplace_journal").
		WithArgs("BuyProduct", "NCaller", sqlmock.AnyArg(), store.now()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Record(context.Background(), op))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUsesOperationTime(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 6, 2, 8, 30, 0, 0, time.UTC)
	op := marketplace.Operation{Kind: marketplace.OpAddStoreFront, Caller: "NOwner", Name: "SF1", At: at}

	mock.ExpectExec("INSERT INTO marketplace_journal").
		WithArgs("AddStoreFront", "NOwner", sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Record(context.Background(), op))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDecodesPayload(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"seq", "kind", "caller", "payload", "applied_at"}).
		AddRow(int64(4), "AddStoreFront", "NOwner", []byte(`{"kind":"AddStoreFront","caller":"NOwner","name":"SF1"}`), at).
		AddRow(int64(5), "WithdrawBalance", "NOwner", []byte(`{"kind":"WithdrawBalance","caller":"NOwner","amount":10}`), at)
	mock.ExpectQuery("SELECT seq, kind, caller, payload, applied_at").
		WithArgs(int64(3)).
		WillReturnRows(rows)

	entries, err := store.List(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].Seq)
	assert.Equal(t, "SF1", entries[0].Operation.Name)
	assert.Equal(t, int64(10), entries[1].Operation.Amount)
	assert.Equal(t, at, entries[1].AppliedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRejectsCorruptPayload(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"seq", "kind", "caller", "payload", "applied_at"}).
		AddRow(int64(1), "AddAdministrator", "N", []byte(`{not json`), time.Now())
	mock.ExpectQuery("SELECT seq").WillReturnRows(rows)

	_, err := store.List(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode journal entry 1")
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	ctx := context.Background()

	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, Apply(ctx, store.DB()))

	before, err := store.List(ctx, 0)
	require.NoError(t, err)
	var last int64
	if len(before) > 0 {
		last = before[len(before)-1].Seq
	}

	require.NoError(t, store.Record(ctx, marketplace.Operation{Kind: marketplace.OpAddStoreFront, Caller: "NOwner", Name: "integration"}))
	after, err := store.List(ctx, last)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "integration", after[0].Operation.Name)
}
