// Command table is a terminal player client: it resolves an identity,
// follows the lifecycle to the table and then drives rolls and the
// narrative log against a running sync server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"fableboard/internal/game"
	"fableboard/internal/store"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	syncURL := envOr("SYNC_URL", "ws://localhost:8080/sync")
	statePath := envOr("TABLE_STATE_FILE", "data/table_state.json")
	name := envOr("PLAYER_NAME", "Adventurer")
	isDM := os.Getenv("TABLE_DM") == "1"

	ctx := context.Background()

	local, err := game.OpenLocalState(statePath)
	if err != nil {
		log.Fatalf("open local state: %v", err)
	}

	st, err := store.Dial(ctx, syncURL)
	if err != nil {
		log.Fatalf("connect to table: %v", err)
	}
	defer st.Close()

	playerID, err := game.NewResolver(local, os.Getenv("ADDRESS_LOOKUP_URL")).Resolve(ctx, st)
	if err != nil {
		log.Fatalf("resolve identity: %v", err)
	}

	lc := game.NewLifecycle(st, playerID, func(state game.LifecycleState) {
		fmt.Printf("\n[%s]\n> ", state)
	})
	if err := lc.Start(ctx); err != nil {
		log.Fatalf("start lifecycle: %v", err)
	}
	defer lc.Stop()

	story := game.NewStoryLog(st, local, nil, nil, func(err error) {
		fmt.Printf("\n(background: %v)\n> ", err)
	})
	if err := story.Start(ctx); err != nil {
		log.Fatalf("start story log: %v", err)
	}
	defer story.Close(ctx)

	roller := game.NewRoller(st, name, lc.Key(), isDM)
	defer roller.Stop()

	fmt.Printf("connected as %s (%s)\n", name, playerID)
	repl(ctx, lc, story, roller)
}

func repl(ctx context.Context, lc *game.Lifecycle, story *game.StoryLog, roller *game.Roller) {
	fmt.Print("> ")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd, rest, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		switch cmd {
		case "":
		case "state":
			fmt.Println(lc.State())
		case "backstory":
			if err := lc.SubmitBackstory(ctx, rest); err != nil {
				fmt.Println(err)
			}
		case "roll":
			if err := roller.Roll(ctx); err != nil {
				fmt.Println(err)
			}
		case "story":
			fmt.Printf("-- page %d of %v --\n%s\n", story.CurrentPage(), story.PageNumbers(), story.Text())
		case "page":
			n, err := strconv.Atoi(rest)
			if err != nil {
				fmt.Println("usage: page <number>")
				continue
			}
			story.SetCurrentPage(ctx, n)
		case "newpage":
			n, err := story.NewPage(ctx)
			if err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Printf("now on page %d\n", n)
		case "write":
			story.SetText(ctx, rest)
		case "dictate":
			story.AppendDictation(ctx, rest)
		case "quit", "exit":
			return
		default:
			fmt.Println("commands: state, backstory <text>, roll, story, page <n>, newpage, write <text>, dictate <text>, quit")
		}
		fmt.Print("> ")
	}
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
