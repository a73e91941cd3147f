//go:build no_hid

package dap

import (
	"context"

	"github.com/juju/errors"
)

func NewClient(ctx context.Context, vid, pid uint16, serial string) (DAPClient, error) {
	return nil, errors.Errorf("not supported in this build")
}
