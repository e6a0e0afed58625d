package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/market"
)

// Genesis is the initial state of a Memory ledger.
type Genesis struct {
	Native    map[market.Address]decimal.Decimal `json:"native"`
	Tokens    []GenesisToken                     `json:"tokens"`
	Items     []GenesisItem                      `json:"items"`
	Operators []GenesisOperator                  `json:"operators"`
	Prices    []GenesisPrice                     `json:"prices"`
}

// GenesisToken declares a token with its balances and allowances.
type GenesisToken struct {
	Address    market.Address                     `json:"address"`
	Decimals   int32                              `json:"decimals"`
	Balances   map[market.Address]decimal.Decimal `json:"balances"`
	Allowances []GenesisAllowance                 `json:"allowances"`
}

// GenesisAllowance is an approved spending amount.
type GenesisAllowance struct {
	Owner   market.Address  `json:"owner"`
	Spender market.Address  `json:"spender"`
	Amount  decimal.Decimal `json:"amount"`
}

// GenesisItem assigns an item to its first owner.
type GenesisItem struct {
	Contract market.Address `json:"contract"`
	ID       uint64         `json:"id"`
	Owner    market.Address `json:"owner"`
}

// GenesisOperator approves operator for every item of owner.
type GenesisOperator struct {
	Owner    market.Address `json:"owner"`
	Operator market.Address `json:"operator"`
}

// GenesisPrice is the price published by a feed.
type GenesisPrice struct {
	Feed     market.Address  `json:"feed"`
	Price    decimal.Decimal `json:"price"`
	Decimals int32           `json:"decimals"`
}

// LoadGenesisFile reads a JSON genesis file.
func LoadGenesisFile(path string) (*Genesis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening genesis file: %v", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Errorf("closing genesis file: %v", err)
		}
	}()
	return DecodeGenesis(f)
}

// DecodeGenesis decodes a JSON genesis document.
func DecodeGenesis(r io.Reader) (*Genesis, error) {
	var g Genesis
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decoding genesis: %v", err)
	}
	return &g, nil
}

// Apply seeds m with the genesis state.
func (g *Genesis) Apply(m *Memory) error {
	for owner, amount := range g.Native {
		m.Mint(owner, amount)
	}
	for _, t := range g.Tokens {
		m.RegisterToken(t.Address, t.Decimals)
		for owner, amount := range t.Balances {
			if err := m.MintToken(t.Address, owner, amount); err != nil {
				return fmt.Errorf("minting token: %v", err)
			}
		}
		for _, a := range t.Allowances {
			if err := m.Approve(t.Address, a.Owner, a.Spender, a.Amount); err != nil {
				return fmt.Errorf("approving allowance: %v", err)
			}
		}
	}
	for _, i := range g.Items {
		m.MintItem(i.Contract, i.ID, i.Owner)
	}
	for _, o := range g.Operators {
		m.SetApprovalForAll(o.Owner, o.Operator, true)
	}
	for _, p := range g.Prices {
		m.SetPrice(p.Feed, p.Price, p.Decimals)
	}
	log.Infof("applied genesis: %d native accounts, %d tokens, %d items, %d feeds",
		len(g.Native), len(g.Tokens), len(g.Items), len(g.Prices))
	return nil
}
