// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/FocusRelay/services/worker/storage/badger"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"badger": NewBadgerStore(db),
		"memory": NewMemoryStore(),
	}
}

func TestStore_AbsentKeyIsNotAnError(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			v, found, err := s.Get(ctx, "never-written")
			require.NoError(t, err)
			assert.False(t, found)
			assert.Empty(t, v)
		})
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, KeyVersion, "1.4.2"))

			v, found, err := s.Get(ctx, KeyVersion)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "1.4.2", v)

			// Overwrite is last-writer-wins.
			require.NoError(t, s.Set(ctx, KeyVersion, "1.5.0"))
			v, _, err = s.Get(ctx, KeyVersion)
			require.NoError(t, err)
			assert.Equal(t, "1.5.0", v)

			require.NoError(t, s.Delete(ctx, KeyVersion))
			_, found, err = s.Get(ctx, KeyVersion)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestUserVersionKey(t *testing.T) {
	assert.Equal(t, "pwa-version-u123", UserVersionKey("u123"))
}
