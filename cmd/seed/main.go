// Command main runs the database seeder for Parley.
package main

import (
	"context"
	"flag"
	"log"

	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/seed"
)

func main() {
	// Parse command line flags
	numUsers := flag.Int("users", 50, "Number of users to create")
	numGroups := flag.Int("groups", 10, "Number of group chats to create")
	directs := flag.Int("directs", 2, "Direct chats started by each user")
	messages := flag.Int("messages", 40, "Messages per chat")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	randSeed := flag.Int64("seed", 0, "Random seed (0 uses the clock)")
	flag.Parse()

	log.Println("🌱 Database Seeder")
	log.Println("==================")
	log.Printf("Target: %d users, %d groups, %d messages per chat, clean=%v\n", *numUsers, *numGroups, *messages, *shouldClean)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Connect to database
	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	res, err := seed.NewSeeder(db).Run(context.Background(), seed.Options{
		NumUsers:        *numUsers,
		NumGroups:       *numGroups,
		DirectPerUser:   *directs,
		MessagesPerChat: *messages,
		ShouldClean:     *shouldClean,
		Seed:            *randSeed,
	})
	if err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Printf("✨ All done! %d users, %d chats, %d messages.", len(res.Users), len(res.Chats), res.Messages)
	log.Println("🔑 Mint a token for any user id with: go run ./cmd/chattest -mint <user>")
}
