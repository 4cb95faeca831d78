package index

import (
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/dberr"
)

// Unsupported reports that idx cannot perform op.
func Unsupported(idx Index, op string) error {
	return errors.Wrapf(dberr.ErrUnsupported, "index %s: %s", idx.Name(), op)
}
