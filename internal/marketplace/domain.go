// Package marketplace implements the registry state machine: actors
// (administrators, store owners), objects (storefronts, products) and the
// purchase/withdrawal transactions that move value between them.
//
// All mutations go through a single writer lock and each one produces exactly
// one status event, whether it succeeds or fails.
package marketplace

import "time"

// StoreOwner is an identity allowed to open storefronts. Balance is the
// amount credited by purchases and not yet withdrawn.
type StoreOwner struct {
	Identity  Identity  `json:"identity"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// StoreFront groups the products sold by one owner.
type StoreFront struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Owner      Identity  `json:"owner"`
	ProductIDs []int64   `json:"product_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// Product is an item for sale. Quantity only ever decreases.
type Product struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Price        int64     `json:"price"`
	Quantity     int64     `json:"quantity"`
	StoreFrontID int64     `json:"storefront_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// State is a point-in-time copy of the whole registry.
type State struct {
	SuperAdministrator Identity     `json:"super_administrator"`
	Administrators     []Identity   `json:"administrators"`
	StoreOwners        []StoreOwner `json:"store_owners"`
	StoreFronts        []StoreFront `json:"storefronts"`
	Products           []Product    `json:"products"`
}

// OpKind names a mutating operation.
type OpKind string

const (
	OpAddAdministrator OpKind = "AddAdministrator"
	OpAddStoreOwner    OpKind = "AddStoreOwner"
	OpAddStoreFront    OpKind = "AddStoreFront"
	OpAddProduct       OpKind = "AddProduct"
	OpBuyProduct       OpKind = "BuyProduct"
	OpWithdrawBalance  OpKind = "WithdrawBalance"
)

// Operation is the serialisable form of a mutating call. The journal stores
// operations and Replay feeds them back through Submit. At is the time the
// registry applied it and is set when the operation is journaled.
type Operation struct {
	Kind       OpKind    `json:"kind"`
	Caller     Identity  `json:"caller"`
	Identity   Identity  `json:"identity,omitempty"`
	Name       string    `json:"name,omitempty"`
	StoreFront string    `json:"storefront,omitempty"`
	Price      int64     `json:"price,omitempty"`
	Quantity   int64     `json:"quantity,omitempty"`
	Payment    int64     `json:"payment,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	At         time.Time `json:"at"`
}

func cloneStoreFront(sf StoreFront) StoreFront {
	ids := make([]int64, len(sf.ProductIDs))
	copy(ids, sf.ProductIDs)
	sf.ProductIDs = ids
	return sf
}
