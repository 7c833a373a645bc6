package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/RichardoC/kisan-dost/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	_, err := database.GetPreference(ctx, "selected_language")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, database.SetPreference(ctx, "selected_language", "te"))
	require.NoError(t, database.SetPreference(ctx, "selected_language", "hi"))

	value, err := database.GetPreference(ctx, "selected_language")
	require.NoError(t, err)
	assert.Equal(t, "hi", value)
}

func TestTranscriptReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	_, err := database.GetTranscript(ctx, "en")
	assert.ErrorIs(t, err, ErrNotFound)

	first := []models.Message{
		{Role: models.RoleModel, Content: "Hello!"},
		{Role: models.RoleUser, Content: "onion price in Nashik"},
		{Role: models.RoleModel, Content: "₹1,800 per quintal."},
	}
	require.NoError(t, database.SaveTranscript(ctx, "en", first))
	require.NoError(t, database.SaveTranscript(ctx, "te", first[:1]))

	conv, err := database.GetTranscript(ctx, "en")
	require.NoError(t, err)
	assert.Equal(t, "en", conv.Language)
	assert.Equal(t, first, conv.Messages)
	assert.False(t, conv.UpdatedAt.IsZero())

	second := []models.Message{{Role: models.RoleModel, Content: "Namaste!"}}
	require.NoError(t, database.SaveTranscript(ctx, "en", second))

	conv, err = database.GetTranscript(ctx, "en")
	require.NoError(t, err)
	assert.Equal(t, second, conv.Messages)

	conv, err = database.GetTranscript(ctx, "te")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 1)
}

func TestEmptyTranscript(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	require.NoError(t, database.SaveTranscript(ctx, "ta", nil))
	conv, err := database.GetTranscript(ctx, "ta")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
}

func TestDeleteTranscript(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	require.NoError(t, database.SaveTranscript(ctx, "kn", []models.Message{{Role: models.RoleModel, Content: "Hi"}}))
	require.NoError(t, database.DeleteTranscript(ctx, "kn"))

	_, err := database.GetTranscript(ctx, "kn")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, database.DeleteTranscript(ctx, "kn"), ErrNotFound)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kisan-dost.db")

	database, err := New(path)
	require.NoError(t, err)
	require.NoError(t, database.SetPreference(ctx, "selected_language", "mr"))
	require.NoError(t, database.Close())

	database, err = New(path)
	require.NoError(t, err)
	defer database.Close()

	value, err := database.GetPreference(ctx, "selected_language")
	require.NoError(t, err)
	assert.Equal(t, "mr", value)
}
