// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"fmt"

	"github.com/chute-io/chute/sdk/go/chute"
)

// statusError turns a non-success wire status into an error.
func statusError(s chute.Status) error {
	return fmt.Errorf("request returned status %s", s)
}
