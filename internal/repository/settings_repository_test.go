package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsRepository_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSettingsRepository(db, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM settings")).
		WithArgs("spam_topic_id").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("4217"))

	value, found, err := repo.Get(context.Background(), "spam_topic_id")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "4217", value)
}

func TestSettingsRepository_Get_MissingIsNotAnError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSettingsRepository(db, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM settings")).
		WithArgs("unset").
		WillReturnError(sql.ErrNoRows)

	value, found, err := repo.Get(context.Background(), "unset")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, value)
}

func TestSettingsRepository_Set(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSettingsRepository(db, nil)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WithArgs("spam_topic_id", "4217").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Set(context.Background(), "spam_topic_id", "4217"))
}

func TestSettingsRepository_Set_Error(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSettingsRepository(db, nil)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WithArgs("spam_topic_id", "4217").
		WillReturnError(errors.New("disk full"))

	assert.Error(t, repo.Set(context.Background(), "spam_topic_id", "4217"))
}
