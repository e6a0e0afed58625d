package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/market"
	golog "github.com/textileio/go-log/v2"
)

var (
	log = golog.Logger("auctionhouse/ledger")

	// ErrUnknownToken indicates the token was never registered in the ledger.
	ErrUnknownToken = errors.New("unknown token")

	// ErrUnknownFeed indicates the feed never published a price.
	ErrUnknownFeed = errors.New("unknown feed")

	// ErrItemNotOwned indicates the item is not owned by the transfer source.
	ErrItemNotOwned = errors.New("item not owned by sender")
)

// Receiver is invoked before an account is credited. Returning an error
// rejects the transfer. It runs without any ledger lock held, so it may
// call back into the ledger or the engine.
type Receiver func(ctx context.Context, asset market.Asset, from market.Address, amount decimal.Decimal) error

type itemKey struct {
	contract market.Address
	id       uint64
}

type price struct {
	value    decimal.Decimal
	decimals int32
}

// Memory is an in-process implementation of every ledger the engine
// consumes. It is used by the daemon when no external ledger is wired and
// by tests.
type Memory struct {
	native     map[market.Address]decimal.Decimal
	tokens     map[market.Address]map[market.Address]decimal.Decimal
	allowances map[market.Address]map[market.Address]map[market.Address]decimal.Decimal
	decimals   map[market.Address]int32
	items      map[itemKey]market.Address
	operators  map[market.Address]map[market.Address]bool
	prices     map[market.Address]price
	receivers  map[market.Address]Receiver

	lk sync.Mutex
}

var (
	_ ItemLedger        = (*Memory)(nil)
	_ TokenLedger       = (*Memory)(nil)
	_ NativeLedger      = (*memoryNative)(nil)
	_ PriceFeedProvider = (*Memory)(nil)
)

// NewMemory returns an empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{
		native:     make(map[market.Address]decimal.Decimal),
		tokens:     make(map[market.Address]map[market.Address]decimal.Decimal),
		allowances: make(map[market.Address]map[market.Address]map[market.Address]decimal.Decimal),
		decimals:   make(map[market.Address]int32),
		items:      make(map[itemKey]market.Address),
		operators:  make(map[market.Address]map[market.Address]bool),
		prices:     make(map[market.Address]price),
		receivers:  make(map[market.Address]Receiver),
	}
}

// Native returns a NativeLedger view of the native currency balances.
func (m *Memory) Native() NativeLedger {
	return &memoryNative{m: m}
}

// SetReceiver registers a callback for credits to addr. A nil r removes it.
func (m *Memory) SetReceiver(addr market.Address, r Receiver) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if r == nil {
		delete(m.receivers, addr)
		return
	}
	m.receivers[addr] = r
}

// Mint credits amount of the native currency to owner.
func (m *Memory) Mint(owner market.Address, amount decimal.Decimal) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.native[owner] = m.native[owner].Add(amount)
}

// RegisterToken declares a token and its decimals.
func (m *Memory) RegisterToken(token market.Address, decimals int32) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.decimals[token] = decimals
	if _, ok := m.tokens[token]; !ok {
		m.tokens[token] = make(map[market.Address]decimal.Decimal)
	}
}

// MintToken credits amount of token to owner.
func (m *Memory) MintToken(token, owner market.Address, amount decimal.Decimal) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	balances, ok := m.tokens[token]
	if !ok {
		return fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	balances[owner] = balances[owner].Add(amount)
	return nil
}

// Approve sets the amount of token spender may move on behalf of owner.
func (m *Memory) Approve(token, owner, spender market.Address, amount decimal.Decimal) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	byOwner, ok := m.allowances[token]
	if !ok {
		byOwner = make(map[market.Address]map[market.Address]decimal.Decimal)
		m.allowances[token] = byOwner
	}
	bySpender, ok := byOwner[owner]
	if !ok {
		bySpender = make(map[market.Address]decimal.Decimal)
		byOwner[owner] = bySpender
	}
	bySpender[spender] = amount
	return nil
}

// MintItem assigns a new item to owner.
func (m *Memory) MintItem(itemContract market.Address, itemID uint64, owner market.Address) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.items[itemKey{contract: itemContract, id: itemID}] = owner
}

// OwnerOf returns the current owner of an item, or the zero address.
func (m *Memory) OwnerOf(_ context.Context, itemContract market.Address, itemID uint64) (market.Address, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.items[itemKey{contract: itemContract, id: itemID}], nil
}

// SetApprovalForAll allows or disallows operator to transfer all items of owner.
func (m *Memory) SetApprovalForAll(owner, operator market.Address, approved bool) {
	m.lk.Lock()
	defer m.lk.Unlock()
	ops, ok := m.operators[owner]
	if !ok {
		ops = make(map[market.Address]bool)
		m.operators[owner] = ops
	}
	ops[operator] = approved
}

// SetPrice publishes a price on feed.
func (m *Memory) SetPrice(feed market.Address, value decimal.Decimal, decimals int32) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.prices[feed] = price{value: value, decimals: decimals}
}

// TransferItem implements ItemLedger.
func (m *Memory) TransferItem(
	_ context.Context,
	operator, itemContract market.Address,
	itemID uint64,
	from, to market.Address,
) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	key := itemKey{contract: itemContract, id: itemID}
	if m.items[key] != from {
		return fmt.Errorf("item %s/%d: %w", itemContract, itemID, ErrItemNotOwned)
	}
	if operator != from && !m.operators[from][operator] {
		return fmt.Errorf("item %s/%d: operator %s: %w", itemContract, itemID, operator, market.ErrNotApproved)
	}
	m.items[key] = to
	log.Debugf("item %s/%d transferred from %s to %s", itemContract, itemID, from, to)
	return nil
}

// IsApprovedForAll implements ItemLedger.
func (m *Memory) IsApprovedForAll(_ context.Context, owner, operator market.Address) (bool, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.operators[owner][operator], nil
}

// TransferFrom implements TokenLedger.
func (m *Memory) TransferFrom(
	ctx context.Context,
	token, spender, from, to market.Address,
	amount decimal.Decimal,
) error {
	m.lk.Lock()
	allowed := m.allowances[token][from][spender]
	if allowed.LessThan(amount) {
		m.lk.Unlock()
		return fmt.Errorf("%s allowed %s, need %s: %w", spender, allowed, amount, market.ErrInsufficientAllowance)
	}
	m.lk.Unlock()
	if err := m.Transfer(ctx, token, from, to, amount); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return nil
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	m.allowances[token][from][spender] = m.allowances[token][from][spender].Sub(amount)
	return nil
}

// Transfer implements TokenLedger.
func (m *Memory) Transfer(ctx context.Context, token, from, to market.Address, amount decimal.Decimal) error {
	asset := market.TokenAsset(token)
	if err := m.notify(ctx, asset, from, to, amount); err != nil {
		return err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	balances, ok := m.tokens[token]
	if !ok {
		return fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	if balances[from].LessThan(amount) {
		return fmt.Errorf("%s has %s, need %s: %w", from, balances[from], amount, market.ErrInsufficientBalance)
	}
	balances[from] = balances[from].Sub(amount)
	balances[to] = balances[to].Add(amount)
	log.Debugf("transferred %s of %s from %s to %s", amount, token, from, to)
	return nil
}

// Allowance implements TokenLedger.
func (m *Memory) Allowance(_ context.Context, token, owner, spender market.Address) (decimal.Decimal, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	return m.allowances[token][owner][spender], nil
}

// BalanceOf implements TokenLedger.
func (m *Memory) BalanceOf(_ context.Context, token, owner market.Address) (decimal.Decimal, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	balances, ok := m.tokens[token]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	return balances[owner], nil
}

// Decimals implements TokenLedger.
func (m *Memory) Decimals(_ context.Context, token market.Address) (int32, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	d, ok := m.decimals[token]
	if !ok {
		return 0, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	return d, nil
}

// LatestPrice implements PriceFeedProvider.
func (m *Memory) LatestPrice(_ context.Context, feed market.Address) (decimal.Decimal, int32, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	p, ok := m.prices[feed]
	if !ok {
		return decimal.Zero, 0, fmt.Errorf("%s: %w", feed, ErrUnknownFeed)
	}
	return p.value, p.decimals, nil
}

func (m *Memory) notify(
	ctx context.Context,
	asset market.Asset,
	from, to market.Address,
	amount decimal.Decimal,
) error {
	m.lk.Lock()
	r := m.receivers[to]
	m.lk.Unlock()
	if r == nil {
		return nil
	}
	if err := r(ctx, asset, from, amount); err != nil {
		return fmt.Errorf("receiver %s rejected %s %s: %v", to, amount, asset, err)
	}
	return nil
}

type memoryNative struct {
	m *Memory
}

// Transfer implements NativeLedger.
func (n *memoryNative) Transfer(ctx context.Context, from, to market.Address, amount decimal.Decimal) error {
	if err := n.m.notify(ctx, market.NativeAsset(), from, to, amount); err != nil {
		return err
	}
	n.m.lk.Lock()
	defer n.m.lk.Unlock()
	if n.m.native[from].LessThan(amount) {
		return fmt.Errorf("%s has %s, need %s: %w", from, n.m.native[from], amount, market.ErrInsufficientBalance)
	}
	n.m.native[from] = n.m.native[from].Sub(amount)
	n.m.native[to] = n.m.native[to].Add(amount)
	log.Debugf("transferred %s native from %s to %s", amount, from, to)
	return nil
}

// BalanceOf implements NativeLedger.
func (n *memoryNative) BalanceOf(_ context.Context, owner market.Address) (decimal.Decimal, error) {
	n.m.lk.Lock()
	defer n.m.lk.Unlock()
	return n.m.native[owner], nil
}
