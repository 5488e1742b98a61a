// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package version

var (
	// Version gets assigned the release number at compile time.
	Version string
)

// GetVersion returns the release number if it was assigned by the
// compiler, or "dev" otherwise.
func GetVersion() string {
	if Version != "" {
		return Version
	}
	return "dev"
}
