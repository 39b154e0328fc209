package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/notelive/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// mainInner logs every notebook and note in a database and prints the tree
// as a dot digraph on stdout.
func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the database to read")
	}
	st, err := store.OpenReadOnly(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	notebooks, err := st.AllNotebooks(ctx)
	if err != nil {
		return err
	}

	fmt.Println(`digraph "notebooks" {`)
	for _, nb := range notebooks {
		slog.Info("notebook", "id", nb.ID, "name", nb.Name, "owner", nb.OwnerID, "updated", nb.UpdatedAt)
		fmt.Printf("    \"%s\" [label=%q shape=box]\n", nb.ID, nb.Name)
		notes, err := st.ListNotes(ctx, nb.ID)
		if err != nil {
			return fmt.Errorf("failed to list notes of %s: %w", nb.ID, err)
		}
		for _, n := range notes {
			content, err := st.NoteContent(ctx, n.ID)
			if err != nil {
				return fmt.Errorf("failed to read note %s: %w", n.ID, err)
			}
			slog.Info("note", "id", n.ID, "name", n.Name, "updated", n.UpdatedAt, "bytes", len(content))
			fmt.Printf("    \"%s\" [label=%q]\n", n.ID, n.Name+" "+n.UpdatedAt.Format("2006-01-02 15:04:05.000"))
			fmt.Printf("    \"%s\" -> \"%s\"\n", nb.ID, n.ID)
		}
	}
	fmt.Println("}")
	return nil
}
