// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package util

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenTmpPath(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, st.IsDir())
}

func TestStringBytesRoundTrip(t *testing.T) {
	s := "tablet"
	b := StringsToBytes(s)
	require.Equal(t, []byte("tablet"), b)
	require.Equal(t, s, BytesToString(b))
}

func TestLocalHostName(t *testing.T) {
	require.NotEmpty(t, LocalHostName())
}
