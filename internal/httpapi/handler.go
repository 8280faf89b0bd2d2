// Package httpapi exposes the marketplace registry over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/marketplace/internal/events"
	"github.com/R3E-Network/marketplace/internal/ledger"
	"github.com/R3E-Network/marketplace/internal/logging"
	"github.com/R3E-Network/marketplace/internal/marketplace"
	"github.com/R3E-Network/marketplace/internal/metrics"
	"github.com/R3E-Network/marketplace/internal/middleware"
)

const (
	defaultEventLimit   = 50
	maxEventLimit       = 1000
	defaultHistoryLimit = 20
	maxBodyBytes        = 1 << 20
)

// Health is the /healthz payload.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthReporter reports service health.
type HealthReporter interface {
	Health() Health
}

// Options carries the handler's collaborators. Registry, Events and Auth are
// required; the rest may be nil.
type Options struct {
	Registry *marketplace.Registry
	Ledger   *ledger.Ledger
	Events   *events.RingBuffer
	Stream   *Streamer
	Auth     *middleware.AuthMiddleware
	Limiter  *middleware.RateLimiter
	CORS     *middleware.CORSMiddleware
	Health   HealthReporter
	Logger   *logging.Logger
}

type handler struct {
	reg    *marketplace.Registry
	ledger *ledger.Ledger
	events *events.RingBuffer
	health HealthReporter
	log    *logging.Logger
}

// NewHandler returns a router exposing the marketplace API.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logging.NewDefault("httpapi")
	}
	h := &handler{
		reg:    opts.Registry,
		ledger: opts.Ledger,
		events: opts.Events,
		health: opts.Health,
		log:    opts.Logger,
	}

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(opts.Logger), metrics.InstrumentHandler)
	if opts.CORS != nil {
		router.Use(opts.CORS.Handler)
	}

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	protect := func(fn http.HandlerFunc) http.Handler {
		var next http.Handler = fn
		if opts.Limiter != nil {
			next = opts.Limiter.Handler(next)
		}
		return opts.Auth.Handler(next)
	}

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/administrators", h.listAdministrators).Methods(http.MethodGet)
	api.Handle("/administrators", protect(h.addAdministrator)).Methods(http.MethodPost)
	api.HandleFunc("/storeowners", h.listStoreOwners).Methods(http.MethodGet)
	api.HandleFunc("/storeowners/{identity}", h.getStoreOwner).Methods(http.MethodGet)
	api.Handle("/storeowners", protect(h.addStoreOwner)).Methods(http.MethodPost)
	api.HandleFunc("/storefronts", h.listStoreFronts).Methods(http.MethodGet)
	api.Handle("/storefronts", protect(h.addStoreFront)).Methods(http.MethodPost)
	api.HandleFunc("/storefronts/{name}/products", h.listStoreFrontProducts).Methods(http.MethodGet)
	api.Handle("/storefronts/{name}/products", protect(h.addProduct)).Methods(http.MethodPost)
	api.HandleFunc("/products", h.listProducts).Methods(http.MethodGet)
	api.HandleFunc("/products/{id:[0-9]+}", h.getProduct).Methods(http.MethodGet)
	api.Handle("/purchases", protect(h.buyProduct)).Methods(http.MethodPost)
	api.Handle("/withdrawals", protect(h.withdraw)).Methods(http.MethodPost)
	api.HandleFunc("/ledger/{identity}", h.ledgerAccount).Methods(http.MethodGet)
	api.Handle("/whoami", protect(h.whoami)).Methods(http.MethodGet)
	api.HandleFunc("/events", h.recentEvents).Methods(http.MethodGet)
	if opts.Stream != nil {
		api.Handle("/events/stream", opts.Stream).Methods(http.MethodGet)
	}
	return router
}

// --- health -----------------------------------------------------------------

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	report := Health{Status: "ok"}
	if h.health != nil {
		report = h.health.Health()
	}
	// A degraded service still answers 200; only "down" fails the health check.
	status := http.StatusOK
	if report.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// --- actors -----------------------------------------------------------------

func (h *handler) addAdministrator(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Identity string `json:"identity"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := h.reg.AddAdministrator(r.Context(), middleware.GetIdentity(r.Context()), marketplace.Identity(payload.Identity))
	writeEvent(w, evt, err)
}

func (h *handler) listAdministrators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Administrators())
}

func (h *handler) addStoreOwner(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Identity string `json:"identity"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := h.reg.AddStoreOwner(r.Context(), middleware.GetIdentity(r.Context()), marketplace.Identity(payload.Identity), payload.Name)
	writeEvent(w, evt, err)
}

func (h *handler) listStoreOwners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.StoreOwners())
}

func (h *handler) getStoreOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := h.reg.StoreOwner(marketplace.Identity(mux.Vars(r)["identity"]))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, owner)
}

// --- objects ----------------------------------------------------------------

func (h *handler) addStoreFront(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := h.reg.AddStoreFront(r.Context(), middleware.GetIdentity(r.Context()), payload.Name)
	writeEvent(w, evt, err)
}

func (h *handler) listStoreFronts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.StoreFronts())
}

func (h *handler) addProduct(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name     string `json:"name"`
		Price    int64  `json:"price"`
		Quantity int64  `json:"quantity"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := h.reg.AddProduct(r.Context(), middleware.GetIdentity(r.Context()), mux.Vars(r)["name"], payload.Name, payload.Price, payload.Quantity)
	writeEvent(w, evt, err)
}

func (h *handler) listStoreFrontProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.reg.StoreFrontProducts(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *handler) listProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Products())
}

func (h *handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid product id: %w", err))
		return
	}
	product, err := h.reg.Product(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// --- transactions -----------------------------------------------------------

func (h *handler) buyProduct(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Product  string `json:"product"`
		Quantity int64  `json:"quantity"`
		Payment  int64  `json:"payment"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := h.reg.BuyProduct(r.Context(), middleware.GetIdentity(r.Context()), payload.Product, payload.Quantity, payload.Payment)
	writeEvent(w, evt, err)
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := h.reg.WithdrawBalance(r.Context(), middleware.GetIdentity(r.Context()), payload.Amount)
	writeEvent(w, evt, err)
}

// --- ledger & identity ------------------------------------------------------

type accountView struct {
	Identity string               `json:"identity"`
	Balance  int64                `json:"balance"`
	History  []ledger.Transaction `json:"history"`
}

func (h *handler) ledgerAccount(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusNotFound, errors.New("ledger not configured"))
		return
	}
	account := mux.Vars(r)["identity"]
	if account != ledger.EscrowAccount {
		id, err := marketplace.ParseIdentity(account)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		account = string(id)
	}
	limit, err := queryLimit(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	history := h.ledger.History(account, limit)
	if history == nil {
		history = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, accountView{Identity: account, Balance: h.ledger.Balance(account), History: history})
}

func (h *handler) whoami(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r.Context())
	resp := map[string]any{
		"identity": id,
		"roles":    h.reg.Roles(id).Names(),
	}
	if owner, err := h.reg.StoreOwner(id); err == nil {
		resp["store_owner"] = owner
	}
	if h.ledger != nil {
		resp["balance"] = h.ledger.Balance(string(id))
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- events -----------------------------------------------------------------

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, "limit", defaultEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list := h.events.RecentMatching(eventFilter(r.URL.Query()), limit)
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- helpers ----------------------------------------------------------------

// statusFor maps domain error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch marketplace.KindOf(err) {
	case "":
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case marketplace.KindAuthorization:
		return http.StatusForbidden
	case marketplace.KindNotFound:
		return http.StatusNotFound
	case marketplace.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case marketplace.KindInsufficientStock:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// eventFilter builds the conjunction of the category and caller query
// parameters. It returns nil when neither is set.
func eventFilter(q url.Values) events.Filter {
	var filters []events.Filter
	if cat := q.Get("category"); cat != "" {
		filters = append(filters, events.ByCategory(events.Category(cat)))
	}
	if caller := q.Get("caller"); caller != "" {
		filters = append(filters, events.ByCaller(caller))
	}
	return events.All(filters...)
}

// writeEvent answers a mutation with its status event.
func writeEvent(w http.ResponseWriter, evt events.Event, err error) {
	writeJSON(w, statusFor(err), evt)
}

func queryLimit(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	if n > maxEventLimit {
		n = maxEventLimit
	}
	return n, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
