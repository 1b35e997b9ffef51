package repos

import (
	"gorm.io/gorm"

	"github.com/buildtrace/core/internal/platform/dbctx"
)

// txOr returns dbc.Tx when set, falling back to the repo's base handle.
func txOr(dbc dbctx.Context, base *gorm.DB) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return base
}
