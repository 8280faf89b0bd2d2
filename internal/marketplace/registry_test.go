package marketplace_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/marketplace/internal/events"
	"github.com/R3E-Network/marketplace/internal/ledger"
	"github.com/R3E-Network/marketplace/internal/logging"
	"github.com/R3E-Network/marketplace/internal/marketplace"
	"github.com/R3E-Network/marketplace/internal/opstate"
	"github.com/R3E-Network/marketplace/pkg/testutil"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

type memJournal struct {
	mu  sync.Mutex
	ops []marketplace.Operation
	err error
}

func (j *memJournal) Record(_ context.Context, op marketplace.Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.ops = append(j.ops, op)
	return nil
}

type fixture struct {
	reg     *marketplace.Registry
	ledger  *ledger.Ledger
	rec     *testutil.Recorder
	journal *memJournal

	super, admin, owner, owner2, shopper marketplace.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	addrs := testutil.NewAddresses(t, 5)
	f := &fixture{
		ledger:  ledger.New(),
		rec:     &testutil.Recorder{},
		journal: &memJournal{},
		super:   marketplace.Identity(addrs[0]),
		admin:   marketplace.Identity(addrs[1]),
		owner:   marketplace.Identity(addrs[2]),
		owner2:  marketplace.Identity(addrs[3]),
		shopper: marketplace.Identity(addrs[4]),
	}
	require.NoError(t, f.ledger.Credit(context.Background(), string(f.shopper), 1000, ledger.TxGenesis, "genesis"))

	reg, err := marketplace.New(f.super,
		marketplace.WithLedger(f.ledger),
		marketplace.WithJournal(f.journal),
		marketplace.WithPublisher(f.rec),
		marketplace.WithLogger(logging.NewDiscard("test")),
		marketplace.WithClock(fixedNow),
	)
	require.NoError(t, err)
	f.reg = reg
	return f
}

// seed runs S -> A1 -> SO1 -> SF1 -> PDT1 (price 1, qty 100).
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reg.AddAdministrator(ctx, f.super, f.admin)
	require.NoError(t, err)
	_, err = f.reg.AddStoreOwner(ctx, f.admin, f.owner, "SO1")
	require.NoError(t, err)
	_, err = f.reg.AddStoreFront(ctx, f.owner, "SF1")
	require.NoError(t, err)
	_, err = f.reg.AddProduct(ctx, f.owner, "SF1", "PDT1", 1, 100)
	require.NoError(t, err)
}

func TestNewRejectsInvalidSuper(t *testing.T) {
	_, err := marketplace.New("not-an-address")
	require.Error(t, err)
	assert.ErrorIs(t, err, marketplace.ErrValidation)
}

func TestGenesisState(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []marketplace.Identity{f.super}, f.reg.Administrators())
	assert.Empty(t, f.reg.StoreOwners())
	assert.Empty(t, f.reg.StoreFronts())
	assert.Empty(t, f.reg.Products())
	assert.True(t, f.reg.Roles(f.super).Has(marketplace.RoleSuperAdministrator|marketplace.RoleAdministrator))
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	evt, err := f.reg.BuyProduct(ctx, f.shopper, "PDT1", 10, 20)
	require.NoError(t, err)
	assert.Equal(t, events.CategoryTransaction, evt.Category)
	assert.Equal(t, "Successful!", evt.Status)
	assert.True(t, evt.Success)

	p, err := f.reg.Product(1)
	require.NoError(t, err)
	assert.Equal(t, int64(90), p.Quantity)

	so, err := f.reg.StoreOwner(f.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(20), so.Balance)

	evt, err = f.reg.WithdrawBalance(ctx, f.owner, 10)
	require.NoError(t, err)
	assert.Equal(t, "Successful!", evt.Status)

	so, err = f.reg.StoreOwner(f.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(10), so.Balance)

	assert.Equal(t, int64(980), f.ledger.Balance(string(f.shopper)))
	assert.Equal(t, int64(10), f.ledger.Balance(string(f.owner)))
	assert.Equal(t, int64(10), f.ledger.Balance(ledger.EscrowAccount))
	assert.Equal(t, f.reg.Escrow(), f.ledger.Balance(ledger.EscrowAccount))

	assert.Equal(t, []marketplace.Identity{f.super, f.admin}, f.reg.Administrators())
	sfs := f.reg.StoreFronts()
	require.Len(t, sfs, 1)
	assert.Equal(t, []int64{1}, sfs[0].ProductIDs)
	assert.Equal(t, f.owner, sfs[0].Owner)
}

func TestSuccessStatuses(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	got := f.rec.Events()
	require.Len(t, got, 4)
	want := []struct {
		cat    events.Category
		status string
	}{
		{events.CategoryActor, "Newly Added as Administrator!"},
		{events.CategoryActor, "Newly Added as StoreOwner!"},
		{events.CategoryObject, "Newly Added as StoreFront!"},
		{events.CategoryObject, "Newly Added as Product!"},
	}
	for i, w := range want {
		assert.Equal(t, w.cat, got[i].Category)
		assert.Equal(t, w.status, got[i].Status)
		assert.Equal(t, opstate.PhaseApplied, got[i].Outcome)
		assert.Equal(t, uint64(i+1), got[i].Sequence)
	}
	assert.Equal(t, "1", got[3].Metadata["product_id"])
}

func TestAuthorizationFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	before := f.reg.Snapshot()

	cases := []struct {
		name string
		run  func() (events.Event, error)
	}{
		{"admin grants admin", func() (events.Event, error) { return f.reg.AddAdministrator(ctx, f.admin, f.owner2) }},
		{"shopper grants store owner", func() (events.Event, error) { return f.reg.AddStoreOwner(ctx, f.shopper, f.owner2, "x") }},
		{"admin opens storefront", func() (events.Event, error) { return f.reg.AddStoreFront(ctx, f.admin, "SF2") }},
		{"shopper withdraws", func() (events.Event, error) { return f.reg.WithdrawBalance(ctx, f.shopper, 1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := tc.run()
			require.ErrorIs(t, err, marketplace.ErrAuthorization)
			assert.Equal(t, "Not Authorized!", evt.Status)
			assert.False(t, evt.Success)
			assert.Equal(t, string(marketplace.KindAuthorization), evt.ErrorKind)
			assert.Equal(t, opstate.PhaseAborted, evt.Outcome)
		})
	}
	assert.Equal(t, before, f.reg.Snapshot())
}

func TestAddProductRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	_, err := f.reg.AddStoreOwner(ctx, f.super, f.owner2, "SO2")
	require.NoError(t, err)

	evt, err := f.reg.AddProduct(ctx, f.owner2, "SF1", "PDT2", 1, 1)
	require.ErrorIs(t, err, marketplace.ErrAuthorization)
	assert.Equal(t, "Not Authorized!", evt.Status)

	evt, err = f.reg.AddProduct(ctx, f.owner, "missing", "PDT2", 1, 1)
	require.ErrorIs(t, err, marketplace.ErrNotFound)
	assert.Equal(t, "StoreFront Not Found!", evt.Status)
	assert.Len(t, f.reg.Products(), 1)
}

func TestDuplicatesRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	evt, err := f.reg.AddAdministrator(ctx, f.super, f.admin)
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Equal(t, "Already an Administrator!", evt.Status)

	evt, err = f.reg.AddStoreOwner(ctx, f.super, f.owner, "again")
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Equal(t, "Already a StoreOwner!", evt.Status)

	evt, err = f.reg.AddStoreFront(ctx, f.owner, "SF1")
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Equal(t, "StoreFront name already taken!", evt.Status)

	evt, err = f.reg.AddProduct(ctx, f.owner, "SF1", "PDT1", 5, 5)
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Equal(t, "Product name already taken!", evt.Status)

	assert.Len(t, f.reg.Administrators(), 2)
	assert.Len(t, f.reg.StoreOwners(), 1)
}

func TestInvalidInputs(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	evt, err := f.reg.AddAdministrator(ctx, f.super, "bogus")
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Equal(t, "Invalid Identity!", evt.Status)

	evt, err = f.reg.AddStoreOwner(ctx, f.super, f.owner2, "  ")
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Equal(t, "Invalid Input!", evt.Status)

	_, err = f.reg.AddProduct(ctx, f.owner, "SF1", "neg", -1, 1)
	require.ErrorIs(t, err, marketplace.ErrValidation)

	evt, err = f.reg.BuyProduct(ctx, f.shopper, "PDT1", 0, 10)
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Equal(t, "Invalid Input!", evt.Status)

	_, err = f.reg.WithdrawBalance(ctx, f.owner, 0)
	require.ErrorIs(t, err, marketplace.ErrValidation)
}

func TestBuyFailuresLeaveStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	before := f.reg.Snapshot()

	evt, err := f.reg.BuyProduct(ctx, f.shopper, "PDT1", 10, 9)
	require.ErrorIs(t, err, marketplace.ErrInsufficientFunds)
	assert.Equal(t, "Insufficient Payment!", evt.Status)

	evt, err = f.reg.BuyProduct(ctx, f.shopper, "PDT1", 101, 200)
	require.ErrorIs(t, err, marketplace.ErrInsufficientStock)
	assert.Equal(t, "Insufficient Stock!", evt.Status)

	evt, err = f.reg.BuyProduct(ctx, f.shopper, "nope", 1, 1)
	require.ErrorIs(t, err, marketplace.ErrNotFound)
	assert.Equal(t, "Product Not Found!", evt.Status)

	poor := marketplace.Identity(testutil.NewAddress(t))
	evt, err = f.reg.BuyProduct(ctx, poor, "PDT1", 1, 1)
	require.ErrorIs(t, err, marketplace.ErrInsufficientFunds)
	assert.Equal(t, "Insufficient Balance!", evt.Status)

	assert.Equal(t, before, f.reg.Snapshot())
	assert.Equal(t, int64(1000), f.ledger.Balance(string(f.shopper)))
	assert.Len(t, f.journal.ops, 4)
}

func TestOverpaymentCreditedInFull(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, err := f.reg.BuyProduct(context.Background(), f.shopper, "PDT1", 1, 50)
	require.NoError(t, err)

	so, err := f.reg.StoreOwner(f.owner)
	require.NoError(t, err)
	assert.Equal(t, int64(50), so.Balance)
	assert.Equal(t, int64(950), f.ledger.Balance(string(f.shopper)))
}

func TestWithdrawMoreThanBalance(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	_, err := f.reg.BuyProduct(ctx, f.shopper, "PDT1", 5, 5)
	require.NoError(t, err)

	evt, err := f.reg.WithdrawBalance(ctx, f.owner, 6)
	require.ErrorIs(t, err, marketplace.ErrInsufficientFunds)
	assert.Equal(t, "Insufficient Balance!", evt.Status)

	so, _ := f.reg.StoreOwner(f.owner)
	assert.Equal(t, int64(5), so.Balance)
	assert.Zero(t, f.ledger.Balance(string(f.owner)))
}

func TestPriceOverflow(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	_, err := f.reg.AddProduct(ctx, f.owner, "SF1", "gold", math.MaxInt64/2, 10)
	require.NoError(t, err)

	evt, err := f.reg.BuyProduct(ctx, f.shopper, "gold", 3, 1)
	require.ErrorIs(t, err, marketplace.ErrValidation)
	assert.Equal(t, "Numeric overflow!", evt.Status)
}

func TestWithoutLedgerPaymentIsFaceValue(t *testing.T) {
	addrs := testutil.NewAddresses(t, 3)
	super, owner, shopper := marketplace.Identity(addrs[0]), marketplace.Identity(addrs[1]), marketplace.Identity(addrs[2])
	reg, err := marketplace.New(super, marketplace.WithLogger(logging.NewDiscard("test")))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = reg.AddStoreOwner(ctx, super, owner, "SO")
	require.NoError(t, err)
	_, err = reg.AddStoreFront(ctx, owner, "SF")
	require.NoError(t, err)
	_, err = reg.AddProduct(ctx, owner, "SF", "P", 3, 4)
	require.NoError(t, err)
	_, err = reg.BuyProduct(ctx, shopper, "P", 4, 12)
	require.NoError(t, err)

	products, err := reg.StoreFrontProducts("SF")
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Zero(t, products[0].Quantity)
	assert.Equal(t, int64(12), reg.Escrow())
}

func TestOneEventPerOperation(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	_, _ = f.reg.BuyProduct(ctx, f.shopper, "PDT1", 1, 1)
	_, _ = f.reg.BuyProduct(ctx, f.shopper, "PDT1", 1, 0)
	_, _ = f.reg.WithdrawBalance(ctx, f.admin, 1)

	got := f.rec.Events()
	require.Len(t, got, 7)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	assert.Len(t, f.journal.ops, 5)
}

func TestJournalFailureKeepsCommittedState(t *testing.T) {
	f := newFixture(t)
	f.journal.err = errors.New("disk full")

	evt, err := f.reg.AddAdministrator(context.Background(), f.super, f.admin)
	require.NoError(t, err)
	assert.True(t, evt.Success)
	assert.Len(t, f.reg.Administrators(), 2)
	assert.EqualError(t, f.reg.JournalErr(), "disk full")
}

func TestReplayReproducesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	_, err := f.reg.BuyProduct(ctx, f.shopper, "PDT1", 10, 20)
	require.NoError(t, err)
	_, err = f.reg.WithdrawBalance(ctx, f.owner, 7)
	require.NoError(t, err)
	_, _ = f.reg.BuyProduct(ctx, f.shopper, "PDT1", 1000, 1000)

	replayLedger := ledger.New()
	require.NoError(t, replayLedger.Credit(ctx, string(f.shopper), 1000, ledger.TxGenesis, "genesis"))
	rec := &testutil.Recorder{}
	fresh, err := marketplace.New(f.super,
		marketplace.WithLedger(replayLedger),
		marketplace.WithPublisher(rec),
		marketplace.WithLogger(logging.NewDiscard("test")),
		marketplace.WithClock(fixedNow),
	)
	require.NoError(t, err)

	require.NoError(t, fresh.Replay(ctx, f.journal.ops))
	assert.Equal(t, f.reg.Snapshot(), fresh.Snapshot())
	assert.Zero(t, rec.Len())
	for _, acct := range f.ledger.Accounts() {
		assert.Equal(t, f.ledger.Balance(acct), replayLedger.Balance(acct), acct)
	}
}

func TestReplayKeepsJournaledTimes(t *testing.T) {
	ctx := context.Background()
	addrs := testutil.NewAddresses(t, 3)
	super, owner, shopper := marketplace.Identity(addrs[0]), marketplace.Identity(addrs[1]), marketplace.Identity(addrs[2])

	genesis := func() *ledger.Ledger {
		l := ledger.New()
		require.NoError(t, l.Credit(ctx, string(shopper), 100, ledger.TxGenesis, "genesis"))
		return l
	}
	journal := &memJournal{}
	reg, err := marketplace.New(super,
		marketplace.WithLedger(genesis()),
		marketplace.WithJournal(journal),
		marketplace.WithLogger(logging.NewDiscard("test")),
	)
	require.NoError(t, err)

	_, err = reg.AddStoreOwner(ctx, super, owner, "SO1")
	require.NoError(t, err)
	_, err = reg.AddStoreFront(ctx, owner, "SF1")
	require.NoError(t, err)
	_, err = reg.AddProduct(ctx, owner, "SF1", "PDT1", 2, 5)
	require.NoError(t, err)
	_, err = reg.BuyProduct(ctx, shopper, "PDT1", 1, 2)
	require.NoError(t, err)
	for _, op := range journal.ops {
		assert.False(t, op.At.IsZero(), "%s journaled without a time", op.Kind)
	}

	time.Sleep(2 * time.Millisecond)
	fresh, err := marketplace.New(super,
		marketplace.WithLedger(genesis()),
		marketplace.WithLogger(logging.NewDiscard("test")),
	)
	require.NoError(t, err)
	require.NoError(t, fresh.Replay(ctx, journal.ops))
	assert.Equal(t, reg.Snapshot(), fresh.Snapshot())

	// After replay the registry stamps new entities with the live clock again.
	before := time.Now().UTC()
	_, err = fresh.AddStoreFront(ctx, owner, "SF2")
	require.NoError(t, err)
	sf := fresh.StoreFronts()[1]
	assert.False(t, sf.CreatedAt.Before(before))
}

func TestReplayFailsOnForeignJournal(t *testing.T) {
	f := newFixture(t)
	ops := []marketplace.Operation{{Kind: marketplace.OpAddStoreFront, Caller: f.owner, Name: "SF1"}}
	err := f.reg.Replay(context.Background(), ops)
	require.Error(t, err)
	assert.ErrorIs(t, err, marketplace.ErrAuthorization)
}

func TestConcurrentPurchasesConserveValue(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	total := f.ledger.Total()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.reg.BuyProduct(ctx, f.shopper, "PDT1", 3, 3)
		}()
	}
	wg.Wait()

	p, err := f.reg.Product(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Quantity)
	assert.Equal(t, total, f.ledger.Sum())
	assert.Equal(t, f.reg.Escrow(), f.ledger.Balance(ledger.EscrowAccount))

	got := f.rec.Events()
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Sequence, got[i].Sequence)
	}
}

func TestSubmitDispatch(t *testing.T) {
	f := newFixture(t)
	evt, err := f.reg.Submit(context.Background(), marketplace.Operation{
		Kind: marketplace.OpAddAdministrator, Caller: f.super, Identity: f.admin,
	})
	require.NoError(t, err)
	assert.Equal(t, "AddAdministrator", evt.Operation)

	_, err = f.reg.Submit(context.Background(), marketplace.Operation{Kind: "Nope"})
	require.ErrorIs(t, err, marketplace.ErrValidation)
}

func TestLookupsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.StoreFront(1)
	assert.ErrorIs(t, err, marketplace.ErrNotFound)
	_, err = f.reg.Product(0)
	assert.ErrorIs(t, err, marketplace.ErrNotFound)
	_, err = f.reg.StoreOwner(f.owner)
	assert.ErrorIs(t, err, marketplace.ErrNotFound)
	_, err = f.reg.StoreFrontProducts("x")
	assert.ErrorIs(t, err, marketplace.ErrNotFound)
}
