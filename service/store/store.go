package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/oklog/ulid/v2"
	"github.com/textileio/auctionhouse/lib/market"
	golog "github.com/textileio/go-log/v2"
)

const (
	// defaultListLimit is the default list page size.
	defaultListLimit = 10
	// maxListLimit is the max list page size.
	maxListLimit = 1000
)

var log = golog.Logger("auctionhouse/store")

// Store persists auctions, price feeds, payouts, events and engine metadata.
// Every mutation goes through a Txn so that a failed call leaves no trace.
type Store struct {
	store    ds.TxnDatastore
	clock    clock.Clock
	notifier Notifier

	entropy   io.Reader
	lkEntropy sync.Mutex
}

// New returns a new Store.
func New(store ds.TxnDatastore, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		store:   store,
		clock:   clk,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Notifier receives every event once the transaction that added it is
// committed. It runs on the committing goroutine and must not block.
type Notifier func(e market.Event)

// SetNotifier installs n. It must be called before the store is used.
func (s *Store) SetNotifier(n Notifier) {
	s.notifier = n
}

// newID returns a new lower-cased ulid. Ids sort by creation time.
func (s *Store) newID() (string, error) {
	s.lkEntropy.Lock()
	defer s.lkEntropy.Unlock()
	id, err := ulid.New(ulid.Timestamp(s.clock.Now()), s.entropy)
	if err != nil {
		return "", fmt.Errorf("generating id: %v", err)
	}
	return strings.ToLower(id.String()), nil
}

// Txn is a read-write transaction. It must be discarded after use.
type Txn struct {
	s   *Store
	txn ds.Txn
	ctx context.Context

	events []*market.Event
}

// NewTxn starts a read-write transaction.
func (s *Store) NewTxn(ctx context.Context) (*Txn, error) {
	txn, err := s.store.NewTransaction(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("creating txn: %v", err)
	}
	return &Txn{s: s, txn: txn, ctx: ctx}, nil
}

// Commit commits the transaction.
func (t *Txn) Commit() error {
	if err := t.txn.Commit(t.ctx); err != nil {
		return fmt.Errorf("committing txn: %w", err)
	}
	if t.s.notifier != nil {
		for _, e := range t.events {
			t.s.notifier(*e)
		}
	}
	t.events = nil
	return nil
}

// Discard drops any uncommitted change. It is safe to call after Commit.
func (t *Txn) Discard() {
	t.txn.Discard(t.ctx)
}

// Query is used to page through lists.
type Query struct {
	Offset string
	Order  Order
	Limit  int
}

func (q Query) setDefaults() Query {
	if q.Limit == -1 {
		q.Limit = maxListLimit
	} else if q.Limit <= 0 {
		q.Limit = defaultListLimit
	} else if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return q
}

// Order specifies the order of list results.
type Order int

const (
	// OrderDescending orders results decending.
	OrderDescending Order = iota
	// OrderAscending orders results ascending.
	OrderAscending
)

// list runs a paged query under prefix and hands each value to f.
// Offset is exclusive: paging continues after (or before) the offset key.
func list(ctx context.Context, reader ds.Read, prefix ds.Key, query Query, f func(val []byte) error) error {
	query = query.setDefaults()
	q := dsq.Query{
		Prefix: prefix.String(),
		Limit:  query.Limit,
	}
	op := dsq.GreaterThan
	switch query.Order {
	case OrderDescending:
		q.Orders = []dsq.Order{dsq.OrderByKeyDescending{}}
		op = dsq.LessThan
	case OrderAscending:
		q.Orders = []dsq.Order{dsq.OrderByKey{}}
	}
	if len(query.Offset) != 0 {
		q.Filters = []dsq.Filter{dsq.FilterKeyCompare{
			Op:  op,
			Key: prefix.ChildString(query.Offset).String(),
		}}
	}

	results, err := reader.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("querying %s: %v", prefix, err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Errorf("closing results: %v", err)
		}
	}()
	for res := range results.Next() {
		if res.Error != nil {
			return fmt.Errorf("getting next result: %v", res.Error)
		}
		if err := f(res.Value); err != nil {
			return err
		}
	}
	return nil
}

// keys returns every key under prefix in ascending order.
func keys(ctx context.Context, reader ds.Read, prefix ds.Key) ([]ds.Key, error) {
	results, err := reader.Query(ctx, dsq.Query{
		Prefix:   prefix.String(),
		Orders:   []dsq.Order{dsq.OrderByKey{}},
		KeysOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %v", prefix, err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Errorf("closing results: %v", err)
		}
	}()
	var ks []ds.Key
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		ks = append(ks, ds.NewKey(res.Key))
	}
	return ks, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
