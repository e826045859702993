package services

import (
	"context"
	"testing"

	"donation-api/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newClientTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.AppClient{}))
	return db
}

func TestClientService(t *testing.T) {
	svc := NewClientService(newClientTestDB(t))
	ctx := context.Background()

	require.NoError(t, svc.CreateClient(ctx, &models.AppClient{
		ClientID: "android-app",
		Name:     "Android",
		APIKey:   "key-1",
		IsActive: true,
	}))
	assert.Error(t, svc.CreateClient(ctx, &models.AppClient{ClientID: "android-app", Name: "dup", APIKey: "key-2"}))

	client, err := svc.ValidateClient(ctx, "android-app", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "Android", client.Name)

	_, err = svc.ValidateClient(ctx, "android-app", "wrong")
	assert.ErrorIs(t, err, ErrClientNotFound)

	_, err = svc.ValidateClient(ctx, "missing", "key-1")
	assert.ErrorIs(t, err, ErrClientNotFound)

	all, err := svc.GetAllClients(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, svc.DeactivateClient(ctx, "android-app"))
	_, err = svc.GetClientByID(ctx, "android-app")
	assert.ErrorIs(t, err, ErrClientNotFound)

	assert.ErrorIs(t, svc.DeactivateClient(ctx, "missing"), ErrClientNotFound)
}
