package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/textileio/auctionhouse/buildinfo"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/logic"
	"github.com/textileio/auctionhouse/service/store"
	golog "github.com/textileio/go-log/v2"
)

const (
	// CallerHeader carries the address of the calling account.
	CallerHeader = "X-Caller"
	// RequestIDHeader carries the id of a request in responses.
	RequestIDHeader = "X-Request-ID"
)

var (
	log = golog.Logger("auctionhouse/api")
)

// Service provides scoped access to the auctionhouse service.
type Service interface {
	Version() string
	Hello(ctx context.Context) (string, error)
	Initialize(ctx context.Context, caller market.Address) error
	Owner(ctx context.Context) (market.Address, error)
	SetPriceFeed(ctx context.Context, caller market.Address, asset market.Asset, feed market.Address) error
	Feeds(ctx context.Context) (map[string]market.Address, error)
	UpgradeTo(ctx context.Context, caller market.Address, version string) error
	CreateAuction(ctx context.Context, caller market.Address, req logic.CreateAuctionRequest) (market.AuctionID, error)
	PlaceBid(ctx context.Context, caller market.Address, req logic.PlaceBidRequest) error
	EndAuction(ctx context.Context, caller market.Address, id market.AuctionID) error
	GetAuction(ctx context.Context, id market.AuctionID) (*market.Auction, error)
	GetAuctionIDs(ctx context.Context) ([]market.AuctionID, error)
	ListAuctions(ctx context.Context, query store.Query) ([]*market.Auction, error)
	ListEvents(ctx context.Context, query store.Query) ([]*market.Event, error)
	ListPayouts(ctx context.Context, query store.Query) ([]*store.Payout, error)
	Withdraw(ctx context.Context, caller market.Address) ([]*store.Payout, error)
}

// CreateAuctionResponse is returned by POST /auctions.
type CreateAuctionResponse struct {
	ID market.AuctionID
}

// SetPriceFeedRequest is the body of PUT /feeds.
type SetPriceFeedRequest struct {
	Asset market.Asset
	Feed  market.Address
}

// UpgradeRequest is the body of POST /upgrade.
type UpgradeRequest struct {
	Version string
}

// VersionResponse is returned by GET /version.
type VersionResponse struct {
	Build string
	Logic string
}

// HelloResponse is returned by GET /hello.
type HelloResponse struct {
	Message string
}

// NewServer returns a new http server for auctionhouse commands.
func NewServer(listenAddr string, service Service) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: withRequestID(createMux(service)),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	log.Infof("http server started at %s", listenAddr)
	return httpServer, nil
}

func createMux(service Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(healthHandler))
	mux.HandleFunc("/version", getOnly(versionHandler(service)))
	mux.HandleFunc("/hello", getOnly(helloHandler(service)))
	mux.HandleFunc("/owner", getOnly(ownerHandler(service)))
	mux.HandleFunc("/initialize", postOnly(initializeHandler(service)))
	mux.HandleFunc("/upgrade", postOnly(upgradeHandler(service)))
	mux.HandleFunc("/withdraw", postOnly(withdrawHandler(service)))
	mux.HandleFunc("/auction-ids", getOnly(auctionIDsHandler(service)))
	mux.HandleFunc("/feeds", feedsHandler(service))
	// allow both with and without trailing slash
	auctions := auctionsHandler(service)
	mux.HandleFunc("/auctions", auctions)
	mux.HandleFunc("/auctions/", auctions)
	events := getOnly(eventsHandler(service))
	mux.HandleFunc("/events", events)
	mux.HandleFunc("/events/", events)
	payouts := getOnly(payoutsHandler(service))
	mux.HandleFunc("/payouts", payouts)
	mux.HandleFunc("/payouts/", payouts)
	return mux
}

func withRequestID(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		log.Debugf("%s %s %s", id, r.Method, r.URL)
		h.ServeHTTP(w, r)
	})
}

func getOnly(f http.HandlerFunc) http.HandlerFunc {
	return methodOnly(http.MethodGet, f)
}

func postOnly(f http.HandlerFunc) http.HandlerFunc {
	return methodOnly(http.MethodPost, f)
}

func methodOnly(method string, f http.HandlerFunc) http.HandlerFunc {
	msg := fmt.Sprintf("only %s method is allowed", method)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			httpError(w, msg, http.StatusBadRequest)
			return
		}
		f(w, r)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func versionHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, VersionResponse{Build: buildinfo.Summary(), Logic: service.Version()})
	}
}

func helloHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := service.Hello(r.Context())
		if err != nil {
			serviceError(w, "hello", err)
			return
		}
		writeJSON(w, HelloResponse{Message: msg})
	}
}

func ownerHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := service.Owner(r.Context())
		if err != nil {
			serviceError(w, "getting owner", err)
			return
		}
		writeJSON(w, owner)
	}
}

func initializeHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFrom(w, r)
		if !ok {
			return
		}
		if err := service.Initialize(r.Context(), caller); err != nil {
			serviceError(w, "initializing", err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func upgradeHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFrom(w, r)
		if !ok {
			return
		}
		var req UpgradeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := service.UpgradeTo(r.Context(), caller, req.Version); err != nil {
			serviceError(w, "upgrading", err)
			return
		}
		writeJSON(w, VersionResponse{Build: buildinfo.Summary(), Logic: service.Version()})
	}
}

func withdrawHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFrom(w, r)
		if !ok {
			return
		}
		paid, err := service.Withdraw(r.Context(), caller)
		if err != nil {
			serviceError(w, "withdrawing", err)
			return
		}
		writeJSON(w, paid)
	}
}

func auctionIDsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := service.GetAuctionIDs(r.Context())
		if err != nil {
			serviceError(w, "getting auction ids", err)
			return
		}
		if ids == nil {
			ids = []market.AuctionID{}
		}
		writeJSON(w, ids)
	}
}

func feedsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			feeds, err := service.Feeds(r.Context())
			if err != nil {
				serviceError(w, "getting feeds", err)
				return
			}
			writeJSON(w, feeds)
		case http.MethodPut:
			caller, ok := callerFrom(w, r)
			if !ok {
				return
			}
			var req SetPriceFeedRequest
			if !decodeBody(w, r, &req) {
				return
			}
			if err := service.SetPriceFeed(r.Context(), caller, req.Asset, req.Feed); err != nil {
				serviceError(w, "setting price feed", err)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			httpError(w, "only GET and PUT methods are allowed", http.StatusBadRequest)
		}
	}
}

// auctionsHandler serves:
//   GET  /auctions
//   POST /auctions
//   GET  /auctions/{id}
//   POST /auctions/{id}/bids
//   POST /auctions/{id}/end
func auctionsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) == 1 {
			switch r.Method {
			case http.MethodGet:
				listAuctions(w, r, service)
			case http.MethodPost:
				createAuction(w, r, service)
			default:
				httpError(w, "only GET and POST methods are allowed", http.StatusBadRequest)
			}
			return
		}

		id, err := market.ParseAuctionID(parts[1])
		if err != nil {
			httpError(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch {
		case len(parts) == 2:
			getOnly(func(w http.ResponseWriter, r *http.Request) {
				a, err := service.GetAuction(r.Context(), id)
				if err != nil {
					serviceError(w, "getting auction", err)
					return
				}
				writeJSON(w, a)
			})(w, r)
		case len(parts) == 3 && parts[2] == "bids":
			postOnly(func(w http.ResponseWriter, r *http.Request) {
				placeBid(w, r, service, id)
			})(w, r)
		case len(parts) == 3 && parts[2] == "end":
			postOnly(func(w http.ResponseWriter, r *http.Request) {
				caller, ok := callerFrom(w, r)
				if !ok {
					return
				}
				if err := service.EndAuction(r.Context(), caller, id); err != nil {
					serviceError(w, "ending auction", err)
					return
				}
				w.WriteHeader(http.StatusOK)
			})(w, r)
		default:
			http.NotFound(w, r)
		}
	}
}

func listAuctions(w http.ResponseWriter, r *http.Request, service Service) {
	query, err := parseQuery(r.URL.Query())
	if err != nil {
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	auctions, err := service.ListAuctions(r.Context(), query)
	if err != nil {
		serviceError(w, "listing auctions", err)
		return
	}
	writeJSON(w, auctions)
}

func createAuction(w http.ResponseWriter, r *http.Request, service Service) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req logic.CreateAuctionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := service.CreateAuction(r.Context(), caller, req)
	if err != nil {
		serviceError(w, "creating auction", err)
		return
	}
	writeJSON(w, CreateAuctionResponse{ID: id})
}

func placeBid(w http.ResponseWriter, r *http.Request, service Service, id market.AuctionID) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req logic.PlaceBidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.AuctionID = id
	if err := service.PlaceBid(r.Context(), caller, req); err != nil {
		serviceError(w, "placing bid", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func eventsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query, err := parseQuery(r.URL.Query())
		if err != nil {
			httpError(w, err.Error(), http.StatusBadRequest)
			return
		}
		events, err := service.ListEvents(r.Context(), query)
		if err != nil {
			serviceError(w, "listing events", err)
			return
		}
		writeJSON(w, events)
	}
}

func payoutsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var recipient market.Address
		if s := r.URL.Query().Get("recipient"); s != "" {
			var err error
			if recipient, err = market.ParseAddress(s); err != nil {
				httpError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		var statuses []store.PayoutStatus
		for _, s := range strings.Split(r.URL.Query().Get("status"), ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			ps, err := store.PayoutStatusByString(s)
			if err != nil {
				httpError(w, fmt.Sprintf("%s: %s", s, err), http.StatusBadRequest)
				return
			}
			statuses = append(statuses, ps)
		}
		// for simplicity we apply filters after retrieving. if performance
		// becomes an issue, we can add query filters.
		fullList, err := service.ListPayouts(r.Context(), store.Query{Limit: -1})
		if err != nil {
			serviceError(w, "listing payouts", err)
			return
		}
		payouts := []*store.Payout{}
		for _, p := range fullList {
			if !recipient.IsZero() && p.Recipient != recipient {
				continue
			}
			if len(statuses) > 0 && !hasStatus(statuses, p.Status) {
				continue
			}
			payouts = append(payouts, p)
		}
		writeJSON(w, payouts)
	}
}

func hasStatus(statuses []store.PayoutStatus, status store.PayoutStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func parseQuery(values url.Values) (store.Query, error) {
	query := store.Query{Offset: values.Get("offset")}
	if l := values.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil {
			return query, fmt.Errorf("parsing limit: %v", err)
		}
		query.Limit = limit
	}
	switch values.Get("order") {
	case "", "desc":
		query.Order = store.OrderDescending
	case "asc":
		query.Order = store.OrderAscending
	default:
		return query, fmt.Errorf("invalid order %q; must be asc or desc", values.Get("order"))
	}
	return query, nil
}

func callerFrom(w http.ResponseWriter, r *http.Request) (market.Address, bool) {
	h := r.Header.Get(CallerHeader)
	if h == "" {
		httpError(w, fmt.Sprintf("missing %s header", CallerHeader), http.StatusBadRequest)
		return market.ZeroAddress, false
	}
	caller, err := market.ParseAddress(h)
	if err != nil {
		httpError(w, fmt.Sprintf("%s header: %s", CallerHeader, err), http.StatusBadRequest)
		return market.ZeroAddress, false
	}
	return caller, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		httpError(w, fmt.Sprintf("decoding request body: %s", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		httpError(w, fmt.Sprintf("json encoding: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(data); err != nil {
		log.Errorf("write failed: %v", err)
	}
}

// statusCode maps the engine error classes to http status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrAuctionEnded),
		errors.Is(err, market.ErrAuctionNotEnded),
		errors.Is(err, market.ErrAuctionAlreadyEnded):
		return http.StatusConflict
	case errors.Is(err, market.ErrBidTooLow),
		errors.Is(err, market.ErrUnknownAsset),
		errors.Is(err, market.ErrInsufficientBalance),
		errors.Is(err, market.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func serviceError(w http.ResponseWriter, action string, err error) {
	httpError(w, fmt.Sprintf("%s: %s", action, err), statusCode(err))
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Debugf("request error: %s", err)
	http.Error(w, err, status)
}
