package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiverack/hive/internal/hivetypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := Open(NewMemoryBackend(), time.Hour)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTypedKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, Insert(ctx, s.Config, KeyActiveTestprogram, "default"))

	got, err := Get(ctx, s.Config, KeyActiveTestprogram)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "default", *got)
}

func TestGetAbsentKeyReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := Get(context.Background(), s.Config, KeyActiveTestprogram)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRemoveReturnsPreviousValue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	serial := "0001"
	probes := hivetypes.ProbeInitData{
		{VendorID: 0x1366, ProductID: 0x0101, SerialNumber: &serial, Identifier: "J-Link"},
		nil, nil, nil,
	}
	require.NoError(t, Insert(ctx, s.Config, KeyAssignedProbes, probes))

	prev, err := Remove(ctx, s.Config, KeyAssignedProbes)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "J-Link", prev[0].Identifier)

	got, err := Get(ctx, s.Config, KeyAssignedProbes)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTreesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, Insert(ctx, s.Config, NewKey[string]("shared_name"), "config value"))

	got, err := Get(ctx, s.Credentials, NewKey[string]("shared_name"))
	require.NoError(t, err)
	assert.Nil(t, got, "a key inserted into config must not appear in credentials")
}

func TestTransactionAppliesOnCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, Insert(ctx, s.Config, KeyTestprograms, []string{"default"}))

	err := s.Config.Update(ctx, func(txn *Txn) error {
		programs, err := TxnGet(txn, KeyTestprograms)
		if err != nil {
			return err
		}
		return TxnInsert(txn, KeyTestprograms, append(*programs, "custom"))
	})
	require.NoError(t, err)

	got, err := Get(ctx, s.Config, KeyTestprograms)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "custom"}, *got)
}

func TestTransactionAbortDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, Insert(ctx, s.Config, KeyActiveTestprogram, "default"))

	err := s.Config.Update(ctx, func(txn *Txn) error {
		if err := TxnInsert(txn, KeyActiveTestprogram, "replacement"); err != nil {
			return err
		}
		return fmt.Errorf("%w: the program is in use", ErrTxnAborted)
	})
	require.ErrorIs(t, err, ErrTxnAborted)

	got, err := Get(ctx, s.Config, KeyActiveTestprogram)
	require.NoError(t, err)
	assert.Equal(t, "default", *got)
}

func TestTransactionReadsSeePendingWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Config.Update(ctx, func(txn *Txn) error {
		if err := TxnInsert(txn, KeyActiveTestprogram, "pending"); err != nil {
			return err
		}
		got, err := TxnGet(txn, KeyActiveTestprogram)
		if err != nil {
			return err
		}
		assert.Equal(t, "pending", *got)

		TxnRemove(txn, KeyActiveTestprogram)
		gone, err := TxnGet(txn, KeyActiveTestprogram)
		if err != nil {
			return err
		}
		assert.Nil(t, gone)
		return nil
	})
	require.NoError(t, err)
}

func TestFileBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	backend, err := OpenFileBackend(dir)
	require.NoError(t, err)
	s := Open(backend, time.Hour)
	require.NoError(t, Insert(ctx, s.Config, KeyActiveTestprogram, "persisted"))
	require.NoError(t, s.Close())

	reopened, err := OpenFileBackend(dir)
	require.NoError(t, err)
	s2 := Open(reopened, time.Hour)
	defer s2.Close()

	got, err := Get(ctx, s2.Config, KeyActiveTestprogram)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted", *got)
}
