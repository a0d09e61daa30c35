// Package seed populates a database with demo users, chats and history for
// development and load testing. Everything is written through the service
// layer so seeded data obeys the same rules as live traffic.
package seed

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"parley/internal/models"
	"parley/internal/repository"
	"parley/internal/service"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Options configures the seeder.
type Options struct {
	NumUsers        int
	NumGroups       int
	DirectPerUser   int
	MessagesPerChat int
	ShouldClean     bool
	// Seed makes the generated data reproducible. Zero uses the clock.
	Seed int64
}

// Result summarizes what was created.
type Result struct {
	Users    []string
	Chats    []string
	Messages int
}

// baseUsers always exist so demo logins are predictable.
var baseUsers = []string{"alice", "bob", "carol"}

// Seeder writes demo data through the services.
type Seeder struct {
	db       *gorm.DB
	users    *service.UserService
	chats    *service.ChatService
	messages *service.MessageService
}

// NewSeeder binds a seeder to db.
func NewSeeder(db *gorm.DB) *Seeder {
	chatRepo := repository.NewChatRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	userRepo := repository.NewUserRepository(db)
	chats := service.NewChatService(chatRepo, msgRepo, userRepo)
	return &Seeder{
		db:       db,
		users:    service.NewUserService(userRepo),
		chats:    chats,
		messages: service.NewMessageService(msgRepo, chats, 0),
	}
}

// Run seeds the database according to opts.
func (s *Seeder) Run(ctx context.Context, opts Options) (*Result, error) {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gofakeit.Seed(seed)
	//nolint:gosec // Weak random number generator is fine for seeding
	r := rand.New(rand.NewSource(seed))

	log.Printf("🌱 Seeding %d users, %d groups, %d messages per chat", opts.NumUsers, opts.NumGroups, opts.MessagesPerChat)

	if opts.ShouldClean {
		if err := s.ClearAll(); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	users, err := s.createUsers(ctx, opts.NumUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to create users: %w", err)
	}
	res.Users = users
	log.Printf("✓ %d users ready", len(users))

	if len(users) < 2 {
		return res, nil
	}

	for i, u := range users {
		for j := 0; j < opts.DirectPerUser; j++ {
			peer := users[(i+1+r.Intn(len(users)-1))%len(users)]
			chat, _, err := s.chats.CreateChat(ctx, service.CreateChatInput{
				CreatorID:      u,
				ParticipantIDs: []string{peer},
				Type:           models.ChatTypeDirect,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create direct chat: %w", err)
			}
			res.Chats = appendUnique(res.Chats, chat.ID)
		}
	}

	for i := 0; i < opts.NumGroups; i++ {
		members := pickMembers(r, users, 3+r.Intn(6))
		chat, _, err := s.chats.CreateChat(ctx, service.CreateChatInput{
			CreatorID:      members[0],
			ParticipantIDs: members[1:],
			Type:           models.ChatTypeGroup,
			Name:           groupName(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create group: %w", err)
		}
		res.Chats = append(res.Chats, chat.ID)
	}
	log.Printf("✓ %d chats created", len(res.Chats))

	for _, chatID := range res.Chats {
		n, err := s.seedHistory(ctx, r, chatID, opts.MessagesPerChat)
		if err != nil {
			return nil, err
		}
		res.Messages += n
	}
	log.Printf("✓ %d messages appended", res.Messages)
	log.Println("🎉 Database seeding completed successfully!")
	return res, nil
}

// ClearAll removes every row of the engine's tables.
func (s *Seeder) ClearAll() error {
	log.Println("🗑️  Clearing existing data...")
	tables := []interface{}{
		&models.MessageReceipt{},
		&models.Attachment{},
		&models.Message{},
		&models.ChatParticipant{},
		&models.Chat{},
		&models.User{},
	}
	tx := s.db.Session(&gorm.Session{AllowGlobalUpdate: true})
	for _, t := range tables {
		if err := tx.Delete(t).Error; err != nil {
			return fmt.Errorf("clear %T: %w", t, err)
		}
	}
	return nil
}

func (s *Seeder) createUsers(ctx context.Context, count int) ([]string, error) {
	ids := make([]string, 0, count+len(baseUsers))
	for _, id := range baseUsers {
		if _, err := s.users.EnsureUser(ctx, id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s%d", strings.ToLower(gofakeit.FirstName()), i)
		if _, err := s.users.EnsureUser(ctx, id); err != nil {
			return nil, err
		}
		name := gofakeit.Name()
		avatar := fmt.Sprintf("https://i.pravatar.cc/150?u=%s", id)
		if _, _, err := s.users.UpdateProfile(ctx, id, service.ProfilePatch{DisplayName: &name, AvatarURL: &avatar}); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Seeder) seedHistory(ctx context.Context, r *rand.Rand, chatID string, count int) (int, error) {
	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	members := chat.ParticipantIDs()
	for i := 0; i < count; i++ {
		in := service.AppendInput{
			ChatID:   chatID,
			SenderID: members[r.Intn(len(members))],
			Content:  gofakeit.Sentence(3 + r.Intn(12)),
		}
		if r.Intn(10) == 0 {
			in.Attachments = []models.Attachment{{
				URL:      fmt.Sprintf("https://picsum.photos/seed/%s/800/600", gofakeit.UUID()),
				Name:     gofakeit.Word() + ".jpg",
				MimeType: "image/jpeg",
				Size:     int64(20000 + r.Intn(500000)),
			}}
		}
		if _, err := s.messages.Append(ctx, in); err != nil {
			return i, fmt.Errorf("failed to append message: %w", err)
		}
	}
	// Seeded history counts as delivered to every member.
	for _, uid := range members {
		if _, err := s.messages.MarkDelivered(ctx, chatID, nil, uid); err != nil {
			return count, err
		}
	}
	return count, nil
}

func groupName() string {
	//nolint:gosec // Weak random number generator is fine for seeding
	switch rand.Intn(3) {
	case 0:
		return gofakeit.HipsterWord() + " " + gofakeit.Noun()
	case 1:
		return gofakeit.Company()
	default:
		return gofakeit.Hobby()
	}
}

func pickMembers(r *rand.Rand, users []string, n int) []string {
	if n > len(users) {
		n = len(users)
	}
	perm := r.Perm(len(users))
	out := make([]string, 0, n)
	for _, i := range perm[:n] {
		out = append(out, users[i])
	}
	return out
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
