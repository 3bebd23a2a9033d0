// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/buildfarm/lib/instance"
	"github.com/bureau-foundation/buildfarm/lib/opqueue"
)

// translateQueueError maps opqueue.ErrNotFound to instance.ErrNotFound.
func translateQueueError(err error) error {
	if errors.Is(err, opqueue.ErrNotFound) {
		return fmt.Errorf("%w: %v", instance.ErrNotFound, err)
	}
	return err
}
