//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStore(context.Context, string, string) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
