package marketplace

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/R3E-Network/marketplace/internal/events"
)

// AddStoreFront opens a storefront owned by the calling store owner.
// Storefront names are unique.
func (r *Registry) AddStoreFront(ctx context.Context, caller Identity, name string) (events.Event, error) {
	name = strings.TrimSpace(name)
	op := Operation{Kind: OpAddStoreFront, Caller: caller, Name: name}
	return r.execute(ctx, op, events.CategoryObject, StatusStoreFrontAdded, func(at time.Time) (map[string]string, error) {
		meta := map[string]string{"name": name}
		if err := checkCaller(caller); err != nil {
			return meta, err
		}
		if err := r.authorize(caller, CapCreateStoreFront); err != nil {
			return meta, err
		}
		if name == "" {
			return meta, invalid(StatusInvalidInput, "storefront name is required")
		}
		if _, ok := r.storefrontIdx[name]; ok {
			return meta, invalid(StatusStoreFrontTaken, "%q", name)
		}
		sf := StoreFront{
			ID:         int64(len(r.storefronts) + 1),
			Name:       name,
			Owner:      caller,
			ProductIDs: []int64{},
			CreatedAt:  at,
		}
		r.storefrontIdx[name] = len(r.storefronts)
		r.storefronts = append(r.storefronts, sf)
		meta["storefront_id"] = strconv.FormatInt(sf.ID, 10)
		return meta, nil
	})
}

// AddProduct lists a product on the named storefront. The caller must own it.
func (r *Registry) AddProduct(ctx context.Context, caller Identity, storefront, name string, price, quantity int64) (events.Event, error) {
	storefront = strings.TrimSpace(storefront)
	name = strings.TrimSpace(name)
	op := Operation{Kind: OpAddProduct, Caller: caller, StoreFront: storefront, Name: name, Price: price, Quantity: quantity}
	return r.execute(ctx, op, events.CategoryObject, StatusProductAdded, func(at time.Time) (map[string]string, error) {
		meta := map[string]string{
			"storefront": storefront,
			"name":       name,
			"price":      strconv.FormatInt(price, 10),
			"quantity":   strconv.FormatInt(quantity, 10),
		}
		if err := checkCaller(caller); err != nil {
			return meta, err
		}
		if err := r.authorize(caller, CapCreateProduct); err != nil {
			return meta, err
		}
		sfIdx, ok := r.storefrontIdx[storefront]
		if !ok {
			return meta, newError(KindNotFound, StatusStoreFrontNotFound, "%q", storefront)
		}
		sf := &r.storefronts[sfIdx]
		if sf.Owner != caller {
			return meta, unauthorized(caller, CapCreateProduct)
		}
		if name == "" || price < 0 || quantity < 0 {
			return meta, invalid(StatusInvalidInput, "product needs a name and non-negative price and quantity")
		}
		if _, ok := r.productIdx[name]; ok {
			return meta, invalid(StatusProductTaken, "%q", name)
		}
		p := Product{
			ID:           int64(len(r.products) + 1),
			Name:         name,
			Price:        price,
			Quantity:     quantity,
			StoreFrontID: sf.ID,
			CreatedAt:    at,
		}
		r.productIdx[name] = len(r.products)
		r.products = append(r.products, p)
		sf.ProductIDs = append(sf.ProductIDs, p.ID)
		meta["storefront_id"] = strconv.FormatInt(sf.ID, 10)
		meta["product_id"] = strconv.FormatInt(p.ID, 10)
		return meta, nil
	})
}

// StoreFronts returns every storefront in creation order.
func (r *Registry) StoreFronts() []StoreFront {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storeFronts()
}

// Products returns every product in creation order.
func (r *Registry) Products() []Product {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.productsCopy()
}

// StoreFront looks up a storefront by ID.
func (r *Registry) StoreFront(id int64) (StoreFront, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 1 || id > int64(len(r.storefronts)) {
		return StoreFront{}, newError(KindNotFound, StatusStoreFrontNotFound, "id %d", id)
	}
	return cloneStoreFront(r.storefronts[id-1]), nil
}

// Product looks up a product by ID.
func (r *Registry) Product(id int64) (Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 1 || id > int64(len(r.products)) {
		return Product{}, newError(KindNotFound, StatusProductNotFound, "id %d", id)
	}
	return r.products[id-1], nil
}

// StoreFrontProducts returns the products listed on the named storefront.
func (r *Registry) StoreFrontProducts(name string) ([]Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.storefrontIdx[strings.TrimSpace(name)]
	if !ok {
		return nil, newError(KindNotFound, StatusStoreFrontNotFound, "%q", name)
	}
	ids := r.storefronts[idx].ProductIDs
	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.products[id-1])
	}
	return out, nil
}
