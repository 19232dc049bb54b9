package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/astromechza/todosync/pkg/session"
	"github.com/astromechza/todosync/pkg/todo"
)

// repl is a line-oriented console over a session manager. It owns the
// index-to-id mapping of the last listing it printed so that commands like
// "done 2" keep meaning the same item even while remote edits rearrange the
// list underneath.
type repl struct {
	manager *session.Manager

	mu      sync.Mutex
	lastIDs []string
}

func runREPL(ctx context.Context, manager *session.Manager) {
	r := &repl{manager: manager}

	sub := manager.SubscribeActive()
	defer sub.Close()
	go func() {
		for range sub.Events {
			r.repaint(ctx)
		}
	}()

	fmt.Println(`type "help" for the list of commands`)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(r.prompt())
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		if cmd == "quit" || cmd == "exit" {
			return
		}
		if err := r.dispatch(ctx, cmd, strings.TrimSpace(rest)); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (r *repl) prompt() string {
	if st := r.manager.State(); st.Mode == session.ModeViewing {
		return st.ActiveName + "> "
	}
	return "todosync> "
}

func (r *repl) dispatch(ctx context.Context, cmd, rest string) error {
	switch cmd {
	case "help":
		r.printHelp()
		return nil
	case "lists":
		return r.printLists(ctx)
	case "create":
		if err := r.manager.Create(ctx, rest); err != nil {
			return err
		}
		return r.printTodos(ctx)
	case "open":
		if err := r.manager.Open(ctx, rest); err != nil {
			return err
		}
		return r.printTodos(ctx)
	case "join":
		if err := r.manager.Join(ctx, rest); err != nil {
			return err
		}
		return r.printTodos(ctx)
	case "back":
		r.manager.ReturnToSelector()
		return r.printLists(ctx)
	case "ticket":
		t, err := r.manager.Ticket()
		if err != nil {
			return err
		}
		fmt.Println(t)
		return nil
	case "ls":
		return r.printTodos(ctx)
	case "add":
		if _, err := r.manager.Add(ctx, rest); err != nil {
			return err
		}
		return r.printTodos(ctx)
	case "done":
		id, err := r.resolve(rest)
		if err != nil {
			return err
		}
		if err := r.manager.Toggle(ctx, id); err != nil {
			return err
		}
		return r.printTodos(ctx)
	case "rm":
		id, err := r.resolve(rest)
		if err != nil {
			return err
		}
		if err := r.manager.Delete(ctx, id); err != nil {
			return err
		}
		return r.printTodos(ctx)
	case "edit":
		numRaw, label, _ := strings.Cut(rest, " ")
		id, err := r.resolve(numRaw)
		if err != nil {
			return err
		}
		if err := r.manager.Update(ctx, id, strings.TrimSpace(label)); err != nil {
			return err
		}
		return r.printTodos(ctx)
	default:
		return fmt.Errorf("unknown command %q, type \"help\"", cmd)
	}
}

// resolve maps a printed item number back to the stable item id behind it.
func (r *repl) resolve(raw string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("expected an item number, got %q", raw)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 1 || n > len(r.lastIDs) {
		return "", fmt.Errorf("no item numbered %d on screen", n)
	}
	return r.lastIDs[n-1], nil
}

func (r *repl) printLists(ctx context.Context) error {
	names, err := r.manager.Lists(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no lists yet: create <name>, or join <ticket>")
		return nil
	}
	fmt.Println("known lists:")
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

func (r *repl) printTodos(ctx context.Context) error {
	name, err := r.manager.DisplayName(ctx)
	if err != nil {
		return err
	}
	items, err := r.manager.Todos(ctx)
	if err != nil {
		return err
	}
	r.render(name, items)
	return nil
}

// repaint refreshes the screen when the active list changed underneath us. A
// change event can race with returning to the selector, in which case the
// reads fail and there is nothing to paint.
func (r *repl) repaint(ctx context.Context) {
	name, err := r.manager.DisplayName(ctx)
	if err != nil {
		return
	}
	items, err := r.manager.Todos(ctx)
	if err != nil {
		return
	}
	fmt.Println()
	r.render(name, items)
	fmt.Print(r.prompt())
}

func (r *repl) render(name string, items []todo.Item) {
	r.mu.Lock()
	r.lastIDs = r.lastIDs[:0]
	for _, item := range items {
		r.lastIDs = append(r.lastIDs, item.ID)
	}
	r.mu.Unlock()

	fmt.Printf("== %s ==\n", name)
	if len(items) == 0 {
		fmt.Println("(empty)")
		return
	}
	for i, item := range items {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Printf("%3d [%s] %s\n", i+1, mark, item.Label)
	}
}

func (r *repl) printHelp() {
	fmt.Print(`selector commands:
  lists              show the lists known to this node
  create <name>      create a new shared list and open it
  open <name>        open a known list
  join <ticket>      join a list shared by another node
list commands:
  ls                 show the items of the open list
  add <label>        add an item
  done <n>           toggle item n
  edit <n> <label>   relabel item n
  rm <n>             delete item n
  ticket             print the share ticket for the open list
  back               close the list and return to the selector
other:
  help               this text
  quit               exit
`)
}
