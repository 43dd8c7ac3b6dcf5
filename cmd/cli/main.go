package main

import (
	"context"
	"log"
	"os"

	"github.com/docvault/docvault/internal/cli"
	"github.com/docvault/docvault/internal/server/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadFileConfig()

	app, closeDB, err := cli.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer func() { _ = closeDB() }()

	if err := app.Run(ctx, flagFreeArgs(os.Args[1:])); err != nil {
		log.Fatalf("%v", err)
	}
}

// flagFreeArgs strips the shared config flags so the subcommand sees only
// its own arguments.
func flagFreeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" || args[i] == "-config" {
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}
