// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetRejectsOutOfRangeSeverity(t *testing.T) {
	defer Set(INFO)

	require.False(t, Set(LogLevel(-1)))
	require.False(t, Set(NONE+1))
}

func TestSetAcceptsEveryDefinedSeverity(t *testing.T) {
	defer Set(INFO)

	for l := VERBOSE; l <= NONE; l++ {
		require.True(t, Set(l))
		require.True(t, enabled(l), "severity %v must be enabled at its own level", l)
	}
}

func TestNoneSuppressesEveryLevel(t *testing.T) {
	defer Set(INFO)

	require.True(t, Set(NONE))
	require.False(t, enabled(ERROR), "NONE must suppress even ERROR")
}
