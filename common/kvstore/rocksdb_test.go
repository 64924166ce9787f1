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

package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRocksdbSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewKVStore(ctx, t.TempDir(), RocksdbLsmKVType, &Option{
		ColumnFamily: []CF{"meta"},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetRaw(ctx, "meta", []byte("k1"), []byte("v1")))
	v, err := s.GetRaw(ctx, "meta", []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// columns are isolated
	_, err = s.GetRaw(ctx, "", []byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "meta", []byte("k1")))
	_, err = s.GetRaw(ctx, "meta", []byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)

	// deleting an absent key succeeds
	require.NoError(t, s.Delete(ctx, "meta", []byte("k1")))
}

func TestRocksdbListPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := NewKVStore(ctx, t.TempDir(), RocksdbLsmKVType, &Option{
		ColumnFamily: []CF{"meta"},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetRaw(ctx, "meta", []byte("tmh_1_1"), []byte("a")))
	require.NoError(t, s.SetRaw(ctx, "meta", []byte("tmh_2_1"), []byte("b")))
	require.NoError(t, s.SetRaw(ctx, "meta", []byte("other"), []byte("c")))

	lr := s.List(ctx, "meta", []byte("tmh_"), nil)
	defer lr.Close()

	var keys []string
	for {
		key, _, err := lr.ReadNextCopy()
		require.NoError(t, err)
		if key == nil {
			break
		}
		keys = append(keys, string(key))
	}
	require.Equal(t, []string{"tmh_1_1", "tmh_2_1"}, keys)
}

func TestRocksdbCreateColumn(t *testing.T) {
	ctx := context.Background()
	s, err := NewKVStore(ctx, t.TempDir(), RocksdbLsmKVType, &Option{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateColumn("extra"))
	require.NoError(t, s.CreateColumn("extra"))
	require.Contains(t, s.GetAllColumns(), CF("extra"))

	require.NoError(t, s.SetRaw(ctx, "extra", []byte("k"), []byte("v")))
	require.NoError(t, s.FlushCF(ctx, "extra"))
	v, err := s.GetRaw(ctx, "extra", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}
