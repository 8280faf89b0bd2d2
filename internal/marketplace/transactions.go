package marketplace

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/R3E-Network/marketplace/internal/events"
	"github.com/R3E-Network/marketplace/internal/ledger"
)

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a < 0 || b < 0 || a > math.MaxInt64/b {
		return 0, false
	}
	return a * b, true
}

func addInt64(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

func ledgerError(err error, status string) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return &Error{Kind: KindInsufficientFunds, Status: status, Message: err.Error(), Cause: err}
	case errors.Is(err, ledger.ErrOverflow):
		return &Error{Kind: KindValidation, Status: StatusNumericOverflow, Message: err.Error(), Cause: err}
	default:
		return &Error{Kind: KindValidation, Status: StatusInvalidInput, Message: err.Error(), Cause: err}
	}
}

// BuyProduct purchases quantity units of the named product. The full payment
// is credited to the storefront's owner; overpayment is not refunded.
func (r *Registry) BuyProduct(ctx context.Context, caller Identity, product string, quantity, payment int64) (events.Event, error) {
	product = strings.TrimSpace(product)
	op := Operation{Kind: OpBuyProduct, Caller: caller, Name: product, Quantity: quantity, Payment: payment}
	return r.execute(ctx, op, events.CategoryTransaction, StatusSuccessful, func(at time.Time) (map[string]string, error) {
		meta := map[string]string{
			"product":  product,
			"quantity": strconv.FormatInt(quantity, 10),
			"payment":  strconv.FormatInt(payment, 10),
		}
		if err := checkCaller(caller); err != nil {
			return meta, err
		}
		if err := r.authorize(caller, CapPurchase); err != nil {
			return meta, err
		}
		if quantity <= 0 || payment < 0 {
			return meta, invalid(StatusInvalidInput, "quantity must be positive and payment non-negative")
		}
		pIdx, ok := r.productIdx[product]
		if !ok {
			return meta, newError(KindNotFound, StatusProductNotFound, "%q", product)
		}
		p := &r.products[pIdx]
		sf := r.storefronts[p.StoreFrontID-1]
		owner := &r.owners[r.ownerIdx[sf.Owner]]
		meta["product_id"] = strconv.FormatInt(p.ID, 10)
		meta["storefront_id"] = strconv.FormatInt(sf.ID, 10)

		required, ok := mulInt64(quantity, p.Price)
		if !ok {
			return meta, invalid(StatusNumericOverflow, "%d x %d", quantity, p.Price)
		}
		meta["required"] = strconv.FormatInt(required, 10)
		if payment < required {
			return meta, newError(KindInsufficientFunds, StatusInsufficientPayment, "paid %d, required %d", payment, required)
		}
		if quantity > p.Quantity {
			return meta, newError(KindInsufficientStock, StatusInsufficientStock, "requested %d, in stock %d", quantity, p.Quantity)
		}
		newBalance, ok := addInt64(owner.Balance, payment)
		if !ok {
			return meta, invalid(StatusNumericOverflow, "owner balance")
		}
		if r.ledger != nil && payment > 0 {
			ref := "product:" + strconv.FormatInt(p.ID, 10)
			if err := r.ledger.Transfer(ctx, string(caller), ledger.EscrowAccount, payment, ledger.TxPurchase, ref); err != nil {
				return meta, ledgerError(err, StatusInsufficientBalance)
			}
		}
		p.Quantity -= quantity
		owner.Balance = newBalance
		meta["remaining"] = strconv.FormatInt(p.Quantity, 10)
		meta["owner"] = string(owner.Identity)
		return meta, nil
	})
}

// WithdrawBalance pays amount out of the caller's store owner balance.
func (r *Registry) WithdrawBalance(ctx context.Context, caller Identity, amount int64) (events.Event, error) {
	op := Operation{Kind: OpWithdrawBalance, Caller: caller, Amount: amount}
	return r.execute(ctx, op, events.CategoryTransaction, StatusSuccessful, func(at time.Time) (map[string]string, error) {
		meta := map[string]string{"amount": strconv.FormatInt(amount, 10)}
		if err := checkCaller(caller); err != nil {
			return meta, err
		}
		if err := r.authorize(caller, CapWithdraw); err != nil {
			return meta, err
		}
		if amount <= 0 {
			return meta, invalid(StatusInvalidInput, "amount must be positive")
		}
		owner := &r.owners[r.ownerIdx[caller]]
		if amount > owner.Balance {
			return meta, newError(KindInsufficientFunds, StatusInsufficientBalance, "available %d, requested %d", owner.Balance, amount)
		}
		if r.ledger != nil {
			if err := r.ledger.Transfer(ctx, ledger.EscrowAccount, string(caller), amount, ledger.TxWithdrawal, "withdrawal"); err != nil {
				return meta, ledgerError(err, StatusInsufficientBalance)
			}
		}
		owner.Balance -= amount
		meta["balance"] = strconv.FormatInt(owner.Balance, 10)
		return meta, nil
	})
}

// Escrow returns the sum of all store owner balances: the value the
// marketplace currently owes its sellers.
func (r *Registry) Escrow() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum int64
	for _, o := range r.owners {
		sum += o.Balance
	}
	return sum
}
