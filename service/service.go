package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	ds "github.com/ipfs/go-datastore"
	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/finalizer"
	"github.com/textileio/auctionhouse/lib/ledger"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service/access"
	"github.com/textileio/auctionhouse/service/custody"
	"github.com/textileio/auctionhouse/service/limiter"
	"github.com/textileio/auctionhouse/service/logic"
	"github.com/textileio/auctionhouse/service/oracle"
	"github.com/textileio/auctionhouse/service/store"
	golog "github.com/textileio/go-log/v2"
)

// auctionLockStripes is the number of mutexes bids and settlements are
// serialized on. Auctions sharing a stripe are serialized together.
const auctionLockStripes = 256

var log = golog.Logger("auctionhouse/service")

// Config defines params for Service configuration.
type Config struct {
	// EngineAddress identifies the engine on the ledgers. Escrowed funds
	// are held under it and it is the operator moving items.
	EngineAddress market.Address
	// LogicVersion is activated when the store has no persisted version.
	LogicVersion string
	// ListingLimiter caps the number of auctions each seller creates over time.
	ListingLimiter limiter.Limiter
	// Clock is the trusted time source. Defaults to the wall clock.
	Clock clock.Clock
	// Notifier, if set, receives every committed event.
	Notifier store.Notifier
}

// Validate ensures the Config is valid and fills defaults.
func (c *Config) Validate() error {
	if c.EngineAddress.IsZero() {
		return errors.New("engine address is required")
	}
	if c.LogicVersion == "" {
		c.LogicVersion = logic.VersionV1
	}
	if _, err := logic.Lookup(c.LogicVersion); err != nil {
		return err
	}
	if c.ListingLimiter == nil {
		c.ListingLimiter = limiter.Unlimited{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return nil
}

// Ledgers are the external systems the engine moves value on.
type Ledgers struct {
	Native ledger.NativeLedger
	Tokens ledger.TokenLedger
	Items  ledger.ItemLedger
	Feeds  ledger.PriceFeedProvider
}

func (l Ledgers) validate() error {
	if l.Native == nil || l.Tokens == nil || l.Items == nil || l.Feeds == nil {
		return errors.New("native, token, item and price feed ledgers are required")
	}
	return nil
}

// Service is the stable entry point of the engine. It owns the storage and
// forwards every call to the active logic version, which can be swapped
// with UpgradeTo without touching stored state.
type Service struct {
	env            *logic.Env
	store          *store.Store
	logic          logic.Logic
	listingLimiter limiter.Limiter
	metrics        *metrics

	// adminLk is held exclusively by admin calls and shared by all others.
	adminLk    sync.RWMutex
	createLk   sync.Mutex
	auctionLks [auctionLockStripes]sync.Mutex

	// payoutsLk guards closing so that no delivery starts once
	// drainPayouts is waiting.
	payoutsLk sync.Mutex
	closing   bool
	payoutsWg sync.WaitGroup

	ctx       context.Context
	finalizer *finalizer.Finalizer
}

// New returns a new Service. Payouts left pending by a previous run are
// delivered before New returns.
func New(conf Config, datastore ds.TxnDatastore, ledgers Ledgers) (*Service, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %v", err)
	}
	if err := ledgers.validate(); err != nil {
		return nil, err
	}
	fin := finalizer.NewFinalizer()
	ctx, cancel := context.WithCancel(context.Background())
	fin.Add(finalizer.NewContextCloser(cancel))

	s := store.New(datastore, conf.Clock)
	if conf.Notifier != nil {
		s.SetNotifier(conf.Notifier)
	}
	env := &logic.Env{
		Store:   s,
		Oracle:  oracle.New(s, ledgers.Feeds, ledgers.Tokens),
		Custody: custody.New(conf.EngineAddress, ledgers.Native, ledgers.Tokens),
		Guard:   access.New(s),
		Items:   ledgers.Items,
		Clock:   conf.Clock,
	}

	version, err := s.LogicVersion(ctx)
	if err != nil {
		return nil, fin.Cleanupf("getting logic version: %v", err)
	}
	if version == "" {
		version = conf.LogicVersion
	} else if version != conf.LogicVersion {
		log.Warnf("using persisted logic version %s instead of configured %s", version, conf.LogicVersion)
	}
	l, err := logic.Lookup(version)
	if err != nil {
		return nil, fin.Cleanupf("loading logic: %v", err)
	}

	srv := &Service{
		env:            env,
		store:          s,
		logic:          l,
		listingLimiter: conf.ListingLimiter,
		metrics:        newMetrics(),
		ctx:            ctx,
		finalizer:      fin,
	}
	fin.AddFn(srv.drainPayouts)

	if err := srv.resumePayouts(ctx); err != nil {
		return nil, fin.Cleanupf("resuming payouts: %v", err)
	}
	log.Infof("service started with logic %s at %s", l.Version(), conf.EngineAddress)
	return srv, nil
}

// Close the service.
func (s *Service) Close() error {
	log.Info("service was shutdown")
	return s.finalizer.Cleanup(nil)
}

// Address returns the engine address.
func (s *Service) Address() market.Address {
	return s.env.Custody.Address()
}

// Version returns the active logic version.
func (s *Service) Version() string {
	s.adminLk.RLock()
	defer s.adminLk.RUnlock()
	return s.logic.Version()
}

// Initialize makes caller the engine owner. It succeeds once for the
// lifetime of the store.
func (s *Service) Initialize(ctx context.Context, caller market.Address) error {
	if err := access.Enter(ctx); err != nil {
		return err
	}
	s.adminLk.Lock()
	defer s.adminLk.Unlock()

	txn, err := s.store.NewTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Discard()
	if err := access.Initialize(txn, caller); err != nil {
		return err
	}
	if err := txn.AddEvent(&market.Event{Type: market.EventInitialized, Caller: caller}); err != nil {
		return fmt.Errorf("adding event: %v", err)
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	log.Infof("initialized with owner %s", caller)
	return nil
}

// Owner returns the engine owner.
func (s *Service) Owner(ctx context.Context) (market.Address, error) {
	if err := access.Enter(ctx); err != nil {
		return market.ZeroAddress, err
	}
	return s.env.Guard.Owner(ctx)
}

// SetPriceFeed maps a payment asset to its price feed. Owner only.
func (s *Service) SetPriceFeed(ctx context.Context, caller market.Address, asset market.Asset, feed market.Address) error {
	if err := access.Enter(ctx); err != nil {
		return err
	}
	s.adminLk.Lock()
	defer s.adminLk.Unlock()
	return s.logic.SetPriceFeed(ctx, s.env, caller, asset, feed)
}

// Feeds returns every registered price feed by asset.
func (s *Service) Feeds(ctx context.Context) (map[string]market.Address, error) {
	if err := access.Enter(ctx); err != nil {
		return nil, err
	}
	return s.store.Feeds(ctx)
}

// Normalize converts an amount of asset into the comparison unit.
func (s *Service) Normalize(ctx context.Context, asset market.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := access.Enter(ctx); err != nil {
		return decimal.Zero, err
	}
	s.adminLk.RLock()
	defer s.adminLk.RUnlock()
	return s.env.Oracle.Normalize(ctx, asset, amount)
}

// UpgradeTo swaps the active logic for version. Owner only. Stored
// auctions, feeds and payouts are kept as they are.
func (s *Service) UpgradeTo(ctx context.Context, caller market.Address, version string) error {
	if err := access.Enter(ctx); err != nil {
		return err
	}
	s.adminLk.Lock()
	defer s.adminLk.Unlock()

	if err := s.env.Guard.RequireOwner(ctx, caller); err != nil {
		return err
	}
	next, err := logic.Lookup(version)
	if err != nil {
		return err
	}
	txn, err := s.store.NewTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Discard()
	if err := txn.SetLogicVersion(next.Version()); err != nil {
		return err
	}
	prev := s.logic.Version()
	if err := txn.AddEvent(&market.Event{
		Type:    market.EventUpgraded,
		Caller:  caller,
		Version: next.Version(),
		Detail:  "from " + prev,
	}); err != nil {
		return fmt.Errorf("adding event: %v", err)
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	s.logic = next
	s.metrics.upgraded(ctx, next.Version())
	log.Infof("logic upgraded from %s to %s", prev, next.Version())
	return nil
}

// Hello is served by logic versions implementing logic.Greeter.
func (s *Service) Hello(ctx context.Context) (string, error) {
	if err := access.Enter(ctx); err != nil {
		return "", err
	}
	s.adminLk.RLock()
	defer s.adminLk.RUnlock()
	g, ok := s.logic.(logic.Greeter)
	if !ok {
		return "", fmt.Errorf("hello on logic %s: %w", s.logic.Version(), market.ErrNotSupported)
	}
	return g.Hello(), nil
}

// CreateAuction lists an item for auction and returns the new auction id.
func (s *Service) CreateAuction(
	ctx context.Context,
	caller market.Address,
	req logic.CreateAuctionRequest,
) (market.AuctionID, error) {
	if err := access.Enter(ctx); err != nil {
		return 0, err
	}
	if !s.listingLimiter.Request(caller) {
		return 0, market.ErrListingLimit
	}
	id, err := func() (market.AuctionID, error) {
		s.adminLk.RLock()
		defer s.adminLk.RUnlock()
		s.createLk.Lock()
		defer s.createLk.Unlock()
		return s.logic.CreateAuction(ctx, s.env, caller, req)
	}()
	if err != nil {
		s.listingLimiter.Withdraw(caller)
		return 0, err
	}
	s.listingLimiter.Commit(caller)
	s.metrics.auctionCreated(ctx)
	return id, nil
}

// PlaceBid places a bid on an auction. The refund owed to the outbid
// leader is delivered once the new bid is committed.
func (s *Service) PlaceBid(ctx context.Context, caller market.Address, req logic.PlaceBidRequest) error {
	if err := access.Enter(ctx); err != nil {
		return err
	}
	var payouts []*store.Payout
	err := s.withAuction(req.AuctionID, func(l logic.Logic) (err error) {
		payouts, err = l.PlaceBid(ctx, s.env, caller, req)
		return err
	})
	s.metrics.bidPlaced(ctx, req.Asset, err)
	if err != nil {
		return err
	}
	s.executePayouts(payouts)
	return nil
}

// EndAuction settles an auction after its deadline. Seller only. The
// winning bid is delivered to the seller once the settlement is committed.
func (s *Service) EndAuction(ctx context.Context, caller market.Address, id market.AuctionID) error {
	if err := access.Enter(ctx); err != nil {
		return err
	}
	var payouts []*store.Payout
	err := s.withAuction(id, func(l logic.Logic) (err error) {
		payouts, err = l.EndAuction(ctx, s.env, caller, id)
		return err
	})
	if err != nil {
		return err
	}
	s.metrics.auctionEnded(ctx, len(payouts) > 0)
	s.executePayouts(payouts)
	return nil
}

// GetAuction returns an auction by id.
func (s *Service) GetAuction(ctx context.Context, id market.AuctionID) (*market.Auction, error) {
	if err := access.Enter(ctx); err != nil {
		return nil, err
	}
	s.adminLk.RLock()
	defer s.adminLk.RUnlock()
	return s.logic.GetAuction(ctx, s.env, id)
}

// GetAuctionIDs returns every auction id in creation order.
func (s *Service) GetAuctionIDs(ctx context.Context) ([]market.AuctionID, error) {
	if err := access.Enter(ctx); err != nil {
		return nil, err
	}
	s.adminLk.RLock()
	defer s.adminLk.RUnlock()
	return s.logic.GetAuctionIDs(ctx, s.env)
}

// ListAuctions lists auctions by applying a store.Query.
func (s *Service) ListAuctions(ctx context.Context, query store.Query) ([]*market.Auction, error) {
	if err := access.Enter(ctx); err != nil {
		return nil, err
	}
	return s.store.ListAuctions(ctx, query)
}

// ListEvents lists events by applying a store.Query.
func (s *Service) ListEvents(ctx context.Context, query store.Query) ([]*market.Event, error) {
	if err := access.Enter(ctx); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, query)
}

// ListPayouts lists payouts by applying a store.Query.
func (s *Service) ListPayouts(ctx context.Context, query store.Query) ([]*store.Payout, error) {
	if err := access.Enter(ctx); err != nil {
		return nil, err
	}
	return s.store.ListPayouts(ctx, query)
}

// withAuction runs f with the active logic while holding the lock of
// auction id.
func (s *Service) withAuction(id market.AuctionID, f func(l logic.Logic) error) error {
	s.adminLk.RLock()
	defer s.adminLk.RUnlock()
	lk := &s.auctionLks[uint64(id)%auctionLockStripes]
	lk.Lock()
	defer lk.Unlock()
	return f(s.logic)
}
