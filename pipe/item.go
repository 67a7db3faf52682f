package pipe

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/go-logr/logr"

	"github.com/sarchlab/cosim/loop"
)

// Scope hands out unique item names and the host items run on. A Scope
// replaces a process wide registry; each port graph gets its own.
type Scope struct {
	host *loop.Host
	log  logr.Logger

	mu     sync.Mutex
	counts map[string]int
}

// NewScope creates a naming scope whose items run on host.
func NewScope(host *loop.Host) *Scope {
	return &Scope{
		host:   host,
		log:    host.Logger().WithName("pipe"),
		counts: make(map[string]int),
	}
}

// Host returns the host of the scope.
func (s *Scope) Host() *loop.Host { return s.host }

// Logger returns the scope logger.
func (s *Scope) Logger() logr.Logger { return s.log }

var trailingDigits = regexp.MustCompile(`\D\d+$`)

// UniqueName returns base the first time and base2, base3, ... afterwards.
// Bases ending in digits get a '_' appended first so results stay distinct.
func (s *Scope) UniqueName(base string) string {
	if trailingDigits.MatchString(base) {
		base += "_"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[base]++
	n := s.counts[base]
	if n == 1 {
		return base
	}
	return fmt.Sprintf("%s%d", base, n)
}

// Item is a named group of sockets with the goroutines that serve them.
// Concrete items embed *Item.
type Item struct {
	name  string
	scope *Scope
	log   logr.Logger

	mu      sync.Mutex
	sockets []*Socket
	byName  map[string]*Socket
	forge   func(Type) *Socket
}

// NewItem creates an item named uniquely after base within scope.
func NewItem(scope *Scope, base string) *Item {
	name := scope.UniqueName(base)
	it := &Item{
		name:   name,
		scope:  scope,
		log:    scope.Logger().WithName(name),
		byName: make(map[string]*Socket),
	}
	it.log.V(2).Info("creating item")
	return it
}

// Name returns the unique item name.
func (it *Item) Name() string { return it.name }

// Scope returns the scope the item was created in.
func (it *Item) Scope() *Scope { return it.scope }

// Host returns the host the item runs on.
func (it *Item) Host() *loop.Host { return it.scope.host }

// Logger returns the item logger.
func (it *Item) Logger() logr.Logger { return it.log }

// AddSender adds a sender socket called name.
func (it *Item) AddSender(name string, t Type) *Socket {
	return it.add(name, Sender, t)
}

// AddReceiver adds a receiver socket called name.
func (it *Item) AddReceiver(name string, t Type) *Socket {
	return it.add(name, Receiver, t)
}

// Socket returns the socket called name and panics if there is none.
func (it *Item) Socket(name string) *Socket {
	s, ok := it.Lookup(name)
	if !ok {
		panic(&ContractError{Socket: it.name + "." + name, Msg: "no such socket"})
	}
	return s
}

// Lookup returns the socket called name.
func (it *Item) Lookup(name string) (*Socket, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	s, ok := it.byName[name]
	return s, ok
}

// Sockets returns the sockets in creation order.
func (it *Item) Sockets() []*Socket {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]*Socket(nil), it.sockets...)
}

// SetForge installs the function used by ForgeReceiver.
func (it *Item) SetForge(fn func(Type) *Socket) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.forge = fn
}

// ForgeReceiver creates a receiver through the installed forge function.
func (it *Item) ForgeReceiver(t Type) *Socket {
	it.mu.Lock()
	fn := it.forge
	it.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(t)
}

// Go runs fn as a task of the item's host.
func (it *Item) Go(name string, fn func(ctx context.Context) error) *loop.Task {
	return it.Host().Submit(it.name+"~"+name, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
}

func (it *Item) String() string {
	return fmt.Sprintf("Item(%s)", it.name)
}

func (it *Item) add(name string, dir Direction, t Type) *Socket {
	sep := "+"
	if dir == Receiver {
		sep = "-"
	}
	s := NewSocket(it.name+sep+name, dir, t, it.log)

	it.mu.Lock()
	defer it.mu.Unlock()

	if _, dup := it.byName[name]; dup {
		panic(&ContractError{Socket: s.name, Msg: "socket already exists"})
	}
	it.byName[name] = s
	it.sockets = append(it.sockets, s)
	return s
}
