package store

import (
	"context"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	"github.com/textileio/auctionhouse/lib/market"
)

// dsEventsPrefix is the prefix for the append-only event log.
// Structure: /events/<event_id> -> market.Event.
var dsEventsPrefix = ds.NewKey("/events")

// AddEvent appends e to the event log. ID and CreatedAt are assigned here.
func (t *Txn) AddEvent(e *market.Event) error {
	id, err := t.s.newID()
	if err != nil {
		return err
	}
	e.ID = id
	e.CreatedAt = t.s.clock.Now()
	val, err := encode(e)
	if err != nil {
		return fmt.Errorf("encoding value: %v", err)
	}
	if err := t.txn.Put(t.ctx, dsEventsPrefix.ChildString(e.ID), val); err != nil {
		return fmt.Errorf("putting event: %v", err)
	}
	t.events = append(t.events, e)
	return nil
}

// ListEvents lists events by applying a Query. Offset is an event id.
func (s *Store) ListEvents(ctx context.Context, query Query) ([]*market.Event, error) {
	var events []*market.Event
	err := list(ctx, s.store, dsEventsPrefix, query, func(val []byte) error {
		var e market.Event
		if err := decode(val, &e); err != nil {
			return fmt.Errorf("decoding value: %v", err)
		}
		events = append(events, &e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing events: %v", err)
	}
	return events, nil
}
