// Package db provides the database driver dispatch.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/mnemos/internal/profile"
	"github.com/hrygo/mnemos/store"
	"github.com/hrygo/mnemos/store/db/postgres"
	"github.com/hrygo/mnemos/store/db/sqlite"
)

// NewDBDriver creates a new database driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	case "postgres":
		return postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver: %s", profile.Driver)
	}
}
