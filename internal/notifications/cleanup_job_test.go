package notifications

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	"github.com/nearhand/nearhand-backend/pkg/logger"
)

func setupNotificationsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:notifications_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	schema := `
CREATE TABLE IF NOT EXISTS notifications (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  body TEXT NOT NULL,
  read_at DATETIME,
  expires_at DATETIME,
  created_at DATETIME
);`
	require.NoError(t, db.Exec(schema).Error)
	return db
}

func insertNotification(t *testing.T, db *gorm.DB, expiresAt *time.Time) *models.Notification {
	t.Helper()
	notification := &models.Notification{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Kind:      "booking_reminder",
		Body:      "your booking is tomorrow",
		ExpiresAt: expiresAt,
	}
	require.NoError(t, db.Create(notification).Error)
	return notification
}

func TestDeleteExpired_PrunesOnlyExpiredRows(t *testing.T) {
	db := setupNotificationsTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	expired := insertNotification(t, db, &past)
	insertNotification(t, db, &future)
	insertNotification(t, db, nil)

	deleted, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []models.Notification
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 2)
	for _, n := range remaining {
		assert.NotEqual(t, expired.ID, n.ID)
	}
}

func TestCleanupJob_Handle(t *testing.T) {
	db := setupNotificationsTestDB(t)
	past := time.Now().UTC().Add(-time.Minute)
	insertNotification(t, db, &past)

	job, err := NewCleanupJob(CleanupJobParams{
		Repository: NewRepository(db),
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
	})
	require.NoError(t, err)
	assert.Equal(t, enums.JobTypeNotificationCleanup, job.Type())

	require.NoError(t, job.Handle(context.Background(), nil))

	var count int64
	require.NoError(t, db.Model(&models.Notification{}).Count(&count).Error)
	assert.Zero(t, count)
}
