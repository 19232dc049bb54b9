package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/todosync/pkg/docstore"
	"github.com/astromechza/todosync/pkg/registry"
	"github.com/astromechza/todosync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "todosync.sqlite3", "the database file to read")
	svgVar := flag.String("svg", "", "also render the change graph to this svg file")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the list name or document id")
	}

	db, err := docstore.OpenDB(*dbVar)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	docID := flag.Arg(0)
	if reg, err := registry.New(db); err != nil {
		return err
	} else if id, err := reg.Lookup(ctx, docID); err == nil {
		docID = id
	}

	doc, err := docstore.LoadSaved(ctx, db, docID)
	if err != nil {
		return fmt.Errorf("failed to load document %s: %w", docID, err)
	}
	name, items, err := docstore.ListSnapshot(doc)
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "name", name, "items", len(items), "heads", doc.Heads())

	slog.Info("changes:")

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	fmt.Println(`digraph "log" {`)
	for _, change := range changes {
		docAt, _ := doc.Fork(change.Hash())
		nameAt, itemsAt, _ := docstore.ListSnapshot(docAt)
		fmt.Printf("    \"%s\" [label=\"%s %s@%d %s (%d items)\"]\n", change.Hash(), change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), nameAt, len(itemsAt))
		for _, hash := range change.Dependencies() {
			fmt.Printf("    \"%s\" -> \"%s\"\n", hash, change.Hash())
		}
	}
	fmt.Println("}")

	if *svgVar != "" {
		if err := viz.RenderHistory(doc, *svgVar); err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}
