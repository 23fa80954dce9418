package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"dosematic/services"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	backendURL = flag.String("backend", "", "Backend URL (defaults to BACKEND_URL)")
	session    = flag.Int("session", 0, "Only print this session")
	deleteID   = flag.Int("delete", 0, "Delete this session instead of printing")
	timeout    = flag.Duration("timeout", 10*time.Second, "Request timeout")
)

func main() {
	flag.Parse()

	// Load environment variables
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	url := *backendURL
	if url == "" {
		url = os.Getenv("BACKEND_URL")
	}
	if url == "" {
		logger.Fatal("BACKEND_URL environment variable is not set and -backend not given")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	eventLog := services.NewEventLogService(services.NewBackendClient(logger, strings.TrimRight(url, "/")), logger)

	if *deleteID != 0 {
		if err := eventLog.DeleteSession(ctx, *deleteID); err != nil {
			logger.Fatal("Error deleting session", zap.Error(err))
		}
		fmt.Printf("Session %d deleted\n", *deleteID)
		return
	}

	groups, err := eventLog.Sessions(ctx)
	if err != nil {
		logger.Fatal("Error reading event log", zap.Error(err))
	}

	if len(groups) == 0 {
		fmt.Println("No data yet")
		return
	}

	for _, group := range groups {
		if *session != 0 && group.Session != *session {
			continue
		}

		fmt.Printf("Session %d (%d cycles, %d entries)\n", group.Session, group.Cycles, len(group.Events))
		fmt.Printf("  %-6s %-16s %s\n", "Cycle", "Status", "Time")
		for _, event := range group.Events {
			fmt.Printf("  %-6d %-16s %s\n", event.Cycle, event.Status, event.Time().Format("2006-01-02 15:04:05"))
		}
		fmt.Println("---")
	}
}
