package marketplace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/marketplace/internal/events"
	"github.com/R3E-Network/marketplace/internal/ledger"
	"github.com/R3E-Network/marketplace/internal/logging"
	"github.com/R3E-Network/marketplace/internal/opstate"
)

// Ledger moves native currency on behalf of purchases and withdrawals.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount int64, kind ledger.TxKind, ref string) error
	Balance(account string) int64
}

// Journal durably records applied operations.
type Journal interface {
	Record(ctx context.Context, op Operation) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLedger settles payments and withdrawals against l. Without a ledger the
// payment amounts are taken at face value.
func WithLedger(l Ledger) Option {
	return func(r *Registry) { r.ledger = l }
}

// WithJournal records every applied operation to j.
func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithPublisher delivers status events to p.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the marketplace state machine. Mutations are serialised by mu.
// Each committed operation takes a sequence number under mu and then waits
// for its turn on emitCond, so journal writes and events leave in commit
// order while handlers run outside the state lock. Handlers may read the
// registry but must not submit operations.
type Registry struct {
	mu       sync.RWMutex
	emitMu   sync.Mutex
	emitCond *sync.Cond
	emitted  uint64

	super    Identity
	admins   []Identity
	adminSet map[Identity]struct{}

	owners   []StoreOwner
	ownerIdx map[Identity]int

	storefronts   []StoreFront
	storefrontIdx map[string]int

	products   []Product
	productIdx map[string]int

	seq       uint64
	replaying bool
	replayAt  time.Time

	ledger     Ledger
	journal    Journal
	publisher  events.Publisher
	log        *logging.Logger
	now        func() time.Time
	journalErr error
}

// New creates a registry whose super administrator (and first administrator)
// is super.
func New(super Identity, opts ...Option) (*Registry, error) {
	if _, err := ParseIdentity(string(super)); err != nil {
		return nil, fmt.Errorf("super administrator: %w", err)
	}
	r := &Registry{
		super:         super,
		admins:        []Identity{super},
		adminSet:      map[Identity]struct{}{super: {}},
		ownerIdx:      make(map[Identity]int),
		storefrontIdx: make(map[string]int),
		productIdx:    make(map[string]int),
		publisher:     events.Discard{},
		now:           func() time.Time { return time.Now().UTC() },
	}
	r.emitCond = sync.NewCond(&r.emitMu)
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.NewDefault("marketplace")
	}
	return r, nil
}

// SuperAdministrator returns the genesis identity.
func (r *Registry) SuperAdministrator() Identity {
	return r.super
}

// mutation is the body of an operation. It runs with mu held and must either
// fully apply its change and return nil, or return an error having changed
// nothing. at is the operation time stamped on any entity it creates.
type mutation func(at time.Time) (map[string]string, error)

// execute drives one operation through its lifecycle and emits its event.
func (r *Registry) execute(ctx context.Context, op Operation, category events.Category, success string, apply mutation) (events.Event, error) {
	tr := opstate.NewTracker()

	r.mu.Lock()
	at := r.now()
	if r.replaying && !r.replayAt.IsZero() {
		at = r.replayAt
	}
	meta, err := apply(at)
	if terr := settle(tr, err); terr != nil {
		r.log.WithContext(ctx).WithError(terr).WithField("operation", op.Kind).Error("illegal lifecycle transition")
	}
	r.seq++
	seq := r.seq
	replaying := r.replaying
	r.mu.Unlock()
	op.At = at

	r.waitTurn(seq)
	defer r.finishTurn(seq)

	if err == nil && !replaying && r.journal != nil {
		if jerr := r.journal.Record(ctx, op); jerr != nil {
			r.log.WithContext(ctx).WithError(jerr).WithField("operation", op.Kind).Error("journal write failed; state committed")
			r.emitMu.Lock()
			r.journalErr = jerr
			r.emitMu.Unlock()
		}
	}

	if terr := tr.Advance(opstate.PhaseEventEmitted); terr != nil {
		r.log.WithContext(ctx).WithError(terr).WithField("operation", op.Kind).Error("illegal lifecycle transition")
	}
	b := events.NewEvent(category, string(op.Kind)).
		Caller(string(op.Caller)).
		Outcome(tr.Outcome()).
		Sequence(seq)
	for k, v := range meta {
		b.Metadata(k, v)
	}
	if err == nil {
		b.Status(success).Succeeded()
	} else {
		b.Status(StatusOf(err)).Failed(string(KindOf(err)))
	}
	evt := b.Build()

	if !replaying {
		r.publisher.Publish(ctx, evt)
	}
	return evt, err
}

// settle records the authorization decision and its settlement on tr. A
// refused caller is rejected; any other failure aborts after authorization.
func settle(tr *opstate.Tracker, err error) error {
	decision, result := opstate.PhaseAuthorized, opstate.PhaseApplied
	switch {
	case err == nil:
	case refusesCaller(err):
		decision, result = opstate.PhaseRejected, opstate.PhaseAborted
	default:
		result = opstate.PhaseAborted
	}
	if terr := tr.Advance(decision); terr != nil {
		return terr
	}
	return tr.Advance(result)
}

func (r *Registry) waitTurn(seq uint64) {
	r.emitMu.Lock()
	for r.emitted != seq-1 {
		r.emitCond.Wait()
	}
	r.emitMu.Unlock()
}

func (r *Registry) finishTurn(seq uint64) {
	r.emitMu.Lock()
	r.emitted = seq
	r.emitCond.Broadcast()
	r.emitMu.Unlock()
}

// Submit dispatches op to the matching operation.
func (r *Registry) Submit(ctx context.Context, op Operation) (events.Event, error) {
	switch op.Kind {
	case OpAddAdministrator:
		return r.AddAdministrator(ctx, op.Caller, op.Identity)
	case OpAddStoreOwner:
		return r.AddStoreOwner(ctx, op.Caller, op.Identity, op.Name)
	case OpAddStoreFront:
		return r.AddStoreFront(ctx, op.Caller, op.Name)
	case OpAddProduct:
		return r.AddProduct(ctx, op.Caller, op.StoreFront, op.Name, op.Price, op.Quantity)
	case OpBuyProduct:
		return r.BuyProduct(ctx, op.Caller, op.Name, op.Quantity, op.Payment)
	case OpWithdrawBalance:
		return r.WithdrawBalance(ctx, op.Caller, op.Amount)
	default:
		return events.Event{}, invalid(StatusInvalidInput, "unknown operation %q", op.Kind)
	}
}

// Replay applies previously journaled operations without journaling them
// again or publishing events. Entities are stamped with each operation's
// journaled time, so the rebuilt snapshot matches the original. Every
// operation must succeed; a failure means the journal does not match this
// registry's genesis.
func (r *Registry) Replay(ctx context.Context, ops []Operation) error {
	r.mu.Lock()
	r.replaying = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.replaying = false
		r.replayAt = time.Time{}
		r.mu.Unlock()
	}()

	for i, op := range ops {
		r.mu.Lock()
		r.replayAt = op.At
		r.mu.Unlock()
		if _, err := r.Submit(ctx, op); err != nil {
			return fmt.Errorf("replay operation %d (%s): %w", i+1, op.Kind, err)
		}
	}
	return nil
}

// JournalErr returns the last journal write failure, if any. A non-nil value
// means committed state may not survive a restart.
func (r *Registry) JournalErr() error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	return r.journalErr
}

// Snapshot returns a deep copy of the registry.
func (r *Registry) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state()
}

func (r *Registry) state() State {
	return State{
		SuperAdministrator: r.super,
		Administrators:     r.administrators(),
		StoreOwners:        r.storeOwners(),
		StoreFronts:        r.storeFronts(),
		Products:           r.productsCopy(),
	}
}

func (r *Registry) administrators() []Identity {
	out := make([]Identity, len(r.admins))
	copy(out, r.admins)
	return out
}

func (r *Registry) storeOwners() []StoreOwner {
	out := make([]StoreOwner, len(r.owners))
	copy(out, r.owners)
	return out
}

func (r *Registry) storeFronts() []StoreFront {
	out := make([]StoreFront, len(r.storefronts))
	for i, sf := range r.storefronts {
		out[i] = cloneStoreFront(sf)
	}
	return out
}

func (r *Registry) productsCopy() []Product {
	out := make([]Product, len(r.products))
	copy(out, r.products)
	return out
}

// View calls fn with a snapshot while holding the read lock, so values read
// from the ledger inside fn are consistent with the snapshot.
func (r *Registry) View(fn func(State)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.state())
}
