package dshelper

import (
	"os"

	ds "github.com/ipfs/go-datastore"
	badger "github.com/textileio/go-ds-badger3"
)

// NewBadgerTxnDatastore returns a new ds.TxnDatastore backed by Badger.
func NewBadgerTxnDatastore(repoPath string) (ds.TxnDatastore, error) {
	if err := os.MkdirAll(repoPath, os.ModePerm); err != nil {
		return nil, err
	}
	return badger.NewDatastore(repoPath, &badger.DefaultOptions)
}
