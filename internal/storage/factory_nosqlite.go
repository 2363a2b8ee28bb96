//go:build !sqlite

package storage

import "github.com/pkg/errors"

const sqliteAvailable = false

func newSQLiteStore(_ string) (Store, error) {
	return nil, errors.New("sqlite backend unavailable in this build; rebuild with -tags sqlite")
}
