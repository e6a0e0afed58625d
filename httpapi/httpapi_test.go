package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/logic"
	"github.com/textileio/auctionhouse/service/store"
	golog "github.com/textileio/go-log/v2"
)

var (
	seller = market.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bidder = market.MustParseAddress("0x00000000000000000000000000000000000000b2")
	items  = market.MustParseAddress("0x00000000000000000000000000000000000000c3")
	token  = market.MustParseAddress("0x00000000000000000000000000000000000000d4")
)

func init() {
	golog.SetAllLoggers(golog.LevelDebug)
}

func TestAPI_Payouts(t *testing.T) {
	pending := &store.Payout{ID: "a", Recipient: seller, Status: store.PayoutStatusPending}
	paid := &store.Payout{ID: "b", Recipient: bidder, Status: store.PayoutStatusPaid}
	failed := &store.Payout{ID: "c", Recipient: bidder, Status: store.PayoutStatusFailed}
	allPayouts := []*store.Payout{pending, paid, failed}

	for _, tc := range []struct {
		name               string
		fullList           []*store.Payout
		url                string
		expectedStatusCode int
		expectedIDs        []store.PayoutID
	}{
		// path and query handling
		{"no filter", nil, "/payouts", http.StatusOK, nil},
		{"no filter with trailing slash", nil, "/payouts/", http.StatusOK, nil},
		{"empty filter", nil, "/payouts?status=", http.StatusOK, nil},
		{"invalid filter", nil, "/payouts?status=abc", http.StatusBadRequest, nil},
		{"multiple with invalid filter", nil, "/payouts?status=paid, abc", http.StatusBadRequest, nil},
		{"invalid recipient", nil, "/payouts?recipient=0x12", http.StatusBadRequest, nil},

		// list payouts
		{"all", allPayouts, "/payouts", http.StatusOK, []store.PayoutID{"a", "b", "c"}},
		{"by status", allPayouts, "/payouts?status= failed,  pending", http.StatusOK, []store.PayoutID{"a", "c"}},
		{"by recipient", allPayouts, "/payouts?recipient=" + bidder.String(), http.StatusOK,
			[]store.PayoutID{"b", "c"}},
		{"by recipient and status", allPayouts, "/payouts?status=failed&recipient=" + bidder.String(),
			http.StatusOK, []store.PayoutID{"c"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ms := &mockService{}
			mux := createMux(ms)
			ms.On("ListPayouts", store.Query{Limit: -1}).Return(tc.fullList, nil)
			res := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, tc.url, nil)
			mux.ServeHTTP(res, req)
			require.Equal(t, tc.expectedStatusCode, res.Code)
			if tc.expectedStatusCode == http.StatusOK {
				var payouts []*store.Payout
				require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payouts))
				var ids []store.PayoutID
				for _, p := range payouts {
					ids = append(ids, p.ID)
				}
				require.Equal(t, tc.expectedIDs, ids)
			}
		})
	}
}

func TestAPI_Auctions(t *testing.T) {
	a := &market.Auction{ID: 1, Seller: seller, Duration: 3600, ItemContract: items, ItemID: 7}

	ms := &mockService{}
	mux := createMux(ms)
	ms.On("GetAuction", market.AuctionID(1)).Return(a, nil)
	ms.On("GetAuction", market.AuctionID(2)).Return(nil, fmt.Errorf("auction 2: %w", market.ErrNotFound))
	ms.On("ListAuctions", store.Query{Limit: 5, Order: store.OrderAscending}).Return([]*market.Auction{a}, nil)
	ms.On("GetAuctionIDs").Return([]market.AuctionID{1}, nil)

	for _, tc := range []struct {
		name               string
		url                string
		expectedStatusCode int
	}{
		{"get", "/auctions/1", http.StatusOK},
		{"get with trailing slash", "/auctions/1/", http.StatusOK},
		{"not found", "/auctions/2", http.StatusNotFound},
		{"invalid id", "/auctions/abc", http.StatusBadRequest},
		{"unknown path", "/auctions/1/foo", http.StatusNotFound},
		{"list", "/auctions?limit=5&order=asc", http.StatusOK},
		{"invalid limit", "/auctions?limit=x", http.StatusBadRequest},
		{"invalid order", "/auctions?order=up", http.StatusBadRequest},
		{"ids", "/auction-ids", http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, tc.url, nil)
			mux.ServeHTTP(res, req)
			require.Equal(t, tc.expectedStatusCode, res.Code)
		})
	}

	res := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/auctions/1", nil)
	mux.ServeHTTP(res, req)
	var got market.Auction
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &got))
	require.Equal(t, a.Seller, got.Seller)
	require.Equal(t, a.ItemContract, got.ItemContract)
	require.Equal(t, a.ItemID, got.ItemID)
}

func TestAPI_CreateAuction(t *testing.T) {
	ms := &mockService{}
	mux := createMux(ms)
	ms.On("CreateAuction", seller, mock.MatchedBy(func(req logic.CreateAuctionRequest) bool {
		return req.Duration == 3600 && req.StartPrice.Equal(decimal.NewFromInt(100)) &&
			req.ItemContract == items && req.ItemID == 7
	})).Return(market.AuctionID(1), nil)

	body := fmt.Sprintf(`{"Duration":3600,"StartPrice":"100","ItemContract":"%s","ItemID":7}`, items)

	res := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/auctions", strings.NewReader(body))
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusBadRequest, res.Code, "caller header is required")

	res = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/auctions", strings.NewReader(body))
	req.Header.Set(CallerHeader, seller.String())
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	var created CreateAuctionResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &created))
	require.Equal(t, market.AuctionID(1), created.ID)

	res = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/auctions", strings.NewReader(`{"Bogus":1}`))
	req.Header.Set(CallerHeader, seller.String())
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusBadRequest, res.Code)
	ms.AssertNumberOfCalls(t, "CreateAuction", 1)
}

func TestAPI_PlaceBid(t *testing.T) {
	for _, tc := range []struct {
		name               string
		err                error
		expectedStatusCode int
	}{
		{"accepted", nil, http.StatusOK},
		{"too low", fmt.Errorf("bid worth 1: %w", market.ErrBidTooLow), http.StatusUnprocessableEntity},
		{"ended", market.ErrAuctionEnded, http.StatusConflict},
		{"not found", fmt.Errorf("auction 1: %w", market.ErrNotFound), http.StatusNotFound},
		{"allowance", market.ErrInsufficientAllowance, http.StatusUnprocessableEntity},
		{"reentrant", market.ErrReentrantCall, http.StatusForbidden},
		{"invalid", market.ErrInvalidAmount, http.StatusBadRequest},
		{"internal", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ms := &mockService{}
			mux := createMux(ms)
			ms.On("PlaceBid", bidder, mock.MatchedBy(func(req logic.PlaceBidRequest) bool {
				return req.AuctionID == 1 && req.Asset == market.TokenAsset(token) &&
					req.Amount.Equal(decimal.NewFromInt(500)) && req.Value.IsZero()
			})).Return(tc.err)

			body := fmt.Sprintf(`{"Asset":"%s","Amount":"500"}`, token)
			res := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPost, "/auctions/1/bids", strings.NewReader(body))
			req.Header.Set(CallerHeader, bidder.String())
			mux.ServeHTTP(res, req)
			require.Equal(t, tc.expectedStatusCode, res.Code)
			ms.AssertExpectations(t)
		})
	}

	ms := &mockService{}
	mux := createMux(ms)
	res := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/auctions/1/bids", nil)
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAPI_EndAuction(t *testing.T) {
	ms := &mockService{}
	mux := createMux(ms)
	ms.On("EndAuction", seller, market.AuctionID(1)).Return(nil)
	ms.On("EndAuction", bidder, market.AuctionID(1)).Return(market.ErrNotAuctionOwner)
	ms.On("EndAuction", seller, market.AuctionID(2)).Return(market.ErrAuctionNotEnded)

	for _, tc := range []struct {
		name               string
		caller             market.Address
		url                string
		expectedStatusCode int
	}{
		{"seller", seller, "/auctions/1/end", http.StatusOK},
		{"not seller", bidder, "/auctions/1/end", http.StatusForbidden},
		{"not ended", seller, "/auctions/2/end", http.StatusConflict},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPost, tc.url, nil)
			req.Header.Set(CallerHeader, tc.caller.String())
			mux.ServeHTTP(res, req)
			require.Equal(t, tc.expectedStatusCode, res.Code)
		})
	}
}

func TestAPI_Admin(t *testing.T) {
	feed := market.MustParseAddress("0x00000000000000000000000000000000000000f5")

	ms := &mockService{}
	mux := createMux(ms)
	ms.On("Initialize", seller).Return(nil)
	ms.On("SetPriceFeed", seller, market.TokenAsset(token), feed).Return(nil)
	ms.On("SetPriceFeed", bidder, market.TokenAsset(token), feed).Return(market.ErrNotOwner)
	ms.On("Feeds").Return(map[string]market.Address{token.String(): feed}, nil)
	ms.On("UpgradeTo", seller, logic.VersionV2).Return(nil)
	ms.On("Version").Return(logic.VersionV2)

	do := func(method, url string, caller market.Address, body string) *httptest.ResponseRecorder {
		res := httptest.NewRecorder()
		req, _ := http.NewRequest(method, url, strings.NewReader(body))
		req.Header.Set(CallerHeader, caller.String())
		mux.ServeHTTP(res, req)
		return res
	}

	require.Equal(t, http.StatusOK, do(http.MethodPost, "/initialize", seller, "").Code)

	setFeed := fmt.Sprintf(`{"Asset":"%s","Feed":"%s"}`, token, feed)
	require.Equal(t, http.StatusOK, do(http.MethodPut, "/feeds", seller, setFeed).Code)
	require.Equal(t, http.StatusForbidden, do(http.MethodPut, "/feeds", bidder, setFeed).Code)
	require.Equal(t, http.StatusBadRequest, do(http.MethodDelete, "/feeds", seller, "").Code)

	res := do(http.MethodGet, "/feeds", seller, "")
	require.Equal(t, http.StatusOK, res.Code)
	var feeds map[string]market.Address
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &feeds))
	require.Equal(t, feed, feeds[token.String()])

	res = do(http.MethodPost, "/upgrade", seller, `{"Version":"v2"}`)
	require.Equal(t, http.StatusOK, res.Code)
	var version VersionResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &version))
	require.Equal(t, logic.VersionV2, version.Logic)
}

func TestAPI_Hello(t *testing.T) {
	ms := &mockService{}
	mux := createMux(ms)
	ms.On("Hello").Return(logic.HelloMessage, nil).Once()
	ms.On("Hello").Return("", fmt.Errorf("hello on logic v1: %w", market.ErrNotSupported)).Once()

	res := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/hello", nil)
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	var hello HelloResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &hello))
	require.Equal(t, "Hello, World!", hello.Message)

	res = httptest.NewRecorder()
	mux.ServeHTTP(res, req)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestAPI_RequestID(t *testing.T) {
	h := withRequestID(createMux(&mockService{}))

	res := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.NotEmpty(t, res.Header().Get(RequestIDHeader))

	res = httptest.NewRecorder()
	req.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(res, req)
	require.Equal(t, "abc", res.Header().Get(RequestIDHeader))
}

type mockService struct {
	mock.Mock
}

func (m *mockService) Version() string {
	args := m.Called()
	return args.String(0)
}

func (m *mockService) Hello(_ context.Context) (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *mockService) Initialize(_ context.Context, caller market.Address) error {
	args := m.Called(caller)
	return args.Error(0)
}

func (m *mockService) Owner(_ context.Context) (market.Address, error) {
	args := m.Called()
	return args.Get(0).(market.Address), args.Error(1)
}

func (m *mockService) SetPriceFeed(_ context.Context, caller market.Address, asset market.Asset,
	feed market.Address) error {
	args := m.Called(caller, asset, feed)
	return args.Error(0)
}

func (m *mockService) Feeds(_ context.Context) (map[string]market.Address, error) {
	args := m.Called()
	return args.Get(0).(map[string]market.Address), args.Error(1)
}

func (m *mockService) UpgradeTo(_ context.Context, caller market.Address, version string) error {
	args := m.Called(caller, version)
	return args.Error(0)
}

func (m *mockService) CreateAuction(_ context.Context, caller market.Address,
	req logic.CreateAuctionRequest) (market.AuctionID, error) {
	args := m.Called(caller, req)
	return args.Get(0).(market.AuctionID), args.Error(1)
}

func (m *mockService) PlaceBid(_ context.Context, caller market.Address, req logic.PlaceBidRequest) error {
	args := m.Called(caller, req)
	return args.Error(0)
}

func (m *mockService) EndAuction(_ context.Context, caller market.Address, id market.AuctionID) error {
	args := m.Called(caller, id)
	return args.Error(0)
}

func (m *mockService) GetAuction(_ context.Context, id market.AuctionID) (*market.Auction, error) {
	args := m.Called(id)
	a, _ := args.Get(0).(*market.Auction)
	return a, args.Error(1)
}

func (m *mockService) GetAuctionIDs(_ context.Context) ([]market.AuctionID, error) {
	args := m.Called()
	return args.Get(0).([]market.AuctionID), args.Error(1)
}

func (m *mockService) ListAuctions(_ context.Context, query store.Query) ([]*market.Auction, error) {
	args := m.Called(query)
	return args.Get(0).([]*market.Auction), args.Error(1)
}

func (m *mockService) ListEvents(_ context.Context, query store.Query) ([]*market.Event, error) {
	args := m.Called(query)
	return args.Get(0).([]*market.Event), args.Error(1)
}

func (m *mockService) ListPayouts(_ context.Context, query store.Query) ([]*store.Payout, error) {
	args := m.Called(query)
	return args.Get(0).([]*store.Payout), args.Error(1)
}

func (m *mockService) Withdraw(_ context.Context, caller market.Address) ([]*store.Payout, error) {
	args := m.Called(caller)
	return args.Get(0).([]*store.Payout), args.Error(1)
}
