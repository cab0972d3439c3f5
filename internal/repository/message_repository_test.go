package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRepository_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	link := &MessageLink{ReceivedID: 10, ForwardedID: 20, TopicID: 100, InGroup: false}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(link.ReceivedID, link.ForwardedID, link.TopicID, link.InGroup, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), link))
}

func TestMessageRepository_FindForwarded(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT forwarded_id FROM messages")).
		WithArgs(int64(10), int64(100), false).
		WillReturnRows(sqlmock.NewRows([]string{"forwarded_id"}).AddRow(int64(20)))

	id, err := repo.FindForwarded(context.Background(), 10, 100, false)
	require.NoError(t, err)
	assert.Equal(t, int64(20), id)
}

func TestMessageRepository_FindReceived(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT received_id FROM messages")).
		WithArgs(int64(20), int64(100), true).
		WillReturnRows(sqlmock.NewRows([]string{"received_id"}).AddRow(int64(10)))

	id, err := repo.FindReceived(context.Background(), 20, 100, true)
	require.NoError(t, err)
	assert.Equal(t, int64(10), id)
}

func TestMessageRepository_FindReceived_Missing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT received_id FROM messages")).
		WithArgs(int64(20), int64(100), false).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindReceived(context.Background(), 20, 100, false)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMessageRepository_DeleteLink(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE received_id")).
		WithArgs(int64(10), int64(100), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.DeleteLink(context.Background(), 10, 100, true))
}

func TestMessageRepository_DeleteByTopic(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE topic_id")).
		WithArgs(int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 5))

	require.NoError(t, repo.DeleteByTopic(context.Background(), 100))
}

func TestMessageRepository_DeleteOlderThan(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepository(db, nil)

	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE created_at")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 123))

	affected, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(123), affected)
}
