// Package audit periodically verifies the marketplace invariants against a
// consistent view of the registry and ledger.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/marketplace/internal/ledger"
	"github.com/R3E-Network/marketplace/internal/logging"
	"github.com/R3E-Network/marketplace/internal/marketplace"
	"github.com/R3E-Network/marketplace/internal/metrics"
)

// DefaultSchedule runs the audit once a minute.
const DefaultSchedule = "@every 1m"

// Check names.
const (
	CheckAdminHead          = "admin_head"
	CheckAdminUnique        = "admin_unique"
	CheckStoreFrontProducts = "storefront_products"
	CheckStoreFrontOwner    = "storefront_owner"
	CheckNonNegative        = "non_negative"
	CheckEscrow             = "escrow"
	CheckLedgerTotal        = "ledger_total"
)

// Source is the registry view the auditor needs.
type Source interface {
	View(fn func(marketplace.State))
}

// Ledger is the ledger view the auditor needs.
type Ledger interface {
	Balance(account string) int64
	Total() int64
	Sum() int64
}

// Violation is one failed check.
type Violation struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

// Report is the result of one audit run.
type Report struct {
	RanAt      time.Time   `json:"ran_at"`
	Duration   string      `json:"duration"`
	Violations []Violation `json:"violations,omitempty"`
}

// OK reports whether no invariant was violated.
func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// Auditor runs the checks on a cron schedule.
type Auditor struct {
	source   Source
	ledger   Ledger
	log      *logging.Logger
	schedule string
	cron     *cron.Cron

	mu       sync.Mutex
	last     *Report
	baseline int64
	hasBase  bool
}

// New creates an auditor. l may be nil when no ledger is configured.
func New(source Source, l Ledger, schedule string, log *logging.Logger) *Auditor {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if log == nil {
		log = logging.NewDefault("audit")
	}
	return &Auditor{source: source, ledger: l, log: log, schedule: schedule}
}

// Start schedules periodic runs.
func (a *Auditor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(a.schedule, func() { a.Run(context.Background()) }); err != nil {
		return fmt.Errorf("schedule audit %q: %w", a.schedule, err)
	}
	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	c.Start()
	a.log.WithField("schedule", a.schedule).Info("invariant auditor started")
	return nil
}

// Stop halts scheduling and waits for a running audit to finish or ctx to end.
func (a *Auditor) Stop(ctx context.Context) {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// LastReport returns the most recent report, if any run has completed.
func (a *Auditor) LastReport() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}

// Run performs every check once and records the result.
func (a *Auditor) Run(ctx context.Context) Report {
	start := time.Now()
	var violations []Violation
	a.source.View(func(st marketplace.State) {
		violations = a.check(st)
	})

	report := Report{RanAt: start.UTC(), Duration: time.Since(start).String(), Violations: violations}
	names := make([]string, 0, len(violations))
	for _, v := range violations {
		names = append(names, v.Check)
		a.log.WithContext(ctx).WithField("check", v.Check).Error(v.Detail)
	}
	metrics.RecordAuditRun(names)

	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()
	return report
}

// check runs inside Source.View.
func (a *Auditor) check(st marketplace.State) []Violation {
	var out []Violation
	add := func(check, format string, args ...any) {
		out = append(out, Violation{Check: check, Detail: fmt.Sprintf(format, args...)})
	}

	if len(st.Administrators) == 0 || st.Administrators[0] != st.SuperAdministrator {
		add(CheckAdminHead, "administrator list does not start with %s", st.SuperAdministrator)
	}
	seen := make(map[marketplace.Identity]bool, len(st.Administrators))
	for _, id := range st.Administrators {
		if seen[id] {
			add(CheckAdminUnique, "administrator %s listed twice", id)
		}
		seen[id] = true
	}

	owners := make(map[marketplace.Identity]bool, len(st.StoreOwners))
	var escrow int64
	for _, o := range st.StoreOwners {
		owners[o.Identity] = true
		if o.Balance < 0 {
			add(CheckNonNegative, "store owner %s balance %d", o.Identity, o.Balance)
		}
		escrow += o.Balance
	}

	listed := make(map[int64]int64)
	for _, sf := range st.StoreFronts {
		if !owners[sf.Owner] {
			add(CheckStoreFrontOwner, "storefront %d owner %s is not a store owner", sf.ID, sf.Owner)
		}
		for _, pid := range sf.ProductIDs {
			if pid < 1 || pid > int64(len(st.Products)) {
				add(CheckStoreFrontProducts, "storefront %d lists missing product %d", sf.ID, pid)
				continue
			}
			if back := st.Products[pid-1].StoreFrontID; back != sf.ID {
				add(CheckStoreFrontProducts, "product %d points to storefront %d, listed by %d", pid, back, sf.ID)
			}
			if prev, dup := listed[pid]; dup {
				add(CheckStoreFrontProducts, "product %d listed by storefronts %d and %d", pid, prev, sf.ID)
			}
			listed[pid] = sf.ID
		}
	}
	for _, p := range st.Products {
		if p.Quantity < 0 {
			add(CheckNonNegative, "product %d quantity %d", p.ID, p.Quantity)
		}
		if _, ok := listed[p.ID]; !ok {
			add(CheckStoreFrontProducts, "product %d is not listed by storefront %d", p.ID, p.StoreFrontID)
		}
	}

	if a.ledger == nil {
		return out
	}
	held := a.ledger.Balance(ledger.EscrowAccount)
	metrics.SetEscrow(held)
	if held != escrow {
		add(CheckEscrow, "escrow account holds %d, store owners are owed %d", held, escrow)
	}
	total, sum := a.ledger.Total(), a.ledger.Sum()
	if total != sum {
		add(CheckLedgerTotal, "ledger total %d differs from account sum %d", total, sum)
	}
	a.mu.Lock()
	if !a.hasBase {
		a.baseline, a.hasBase = total, true
	} else if total != a.baseline {
		add(CheckLedgerTotal, "ledger total changed from %d to %d", a.baseline, total)
	}
	a.mu.Unlock()
	return out
}
