package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx   *fakeTx
	opts pgx.TxOptions
	err  error
}

func (f *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

func TestWithTxCommits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	require.NoError(t, WithTx(context.Background(), b, func(pgx.Tx) error { return nil }))
	require.True(t, b.tx.committed)
	require.Equal(t, pgx.RepeatableRead, b.opts.IsoLevel)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	boom := errors.New("boom")
	require.ErrorIs(t, WithTx(context.Background(), b, func(pgx.Tx) error { return boom }), boom)
	require.False(t, b.tx.committed)
	require.True(t, b.tx.rolledBack)
}

func TestWithTxWrapsBeginAndCommitErrors(t *testing.T) {
	boom := errors.New("conn refused")
	err := WithTx(context.Background(), &fakeBeginner{err: boom}, func(pgx.Tx) error { return nil })
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "begin tx")

	b := &fakeBeginner{tx: &fakeTx{commitErr: boom}}
	err = WithTx(context.Background(), b, func(pgx.Tx) error { return nil })
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "commit tx")
}
