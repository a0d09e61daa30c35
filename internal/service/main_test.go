package service

import (
	"testing"

	"parley/internal/database"
	"parley/internal/repository"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// Every connection to :memory: is a separate database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type testServices struct {
	db       *gorm.DB
	chats    *ChatService
	messages *MessageService
	users    *UserService
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	db := setupTestDB(t)
	chatRepo := repository.NewChatRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	userRepo := repository.NewUserRepository(db)
	chats := NewChatService(chatRepo, msgRepo, userRepo)
	return &testServices{
		db:       db,
		chats:    chats,
		messages: NewMessageService(msgRepo, chats, 0),
		users:    NewUserService(userRepo),
	}
}
