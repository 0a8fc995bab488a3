// Package plugin implements C8: the ordered, prioritized, cooperative
// dispatch pipeline every inbound message flows through (§4.8).
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mmrelay/mmrelay/internal/store"
)

// Result is a plugin handler's verdict (§4.8, §9 "dynamic dispatch → tagged
// variants").
type Result int

const (
	// Passthrough continues the pipeline to the next plugin, and — if no
	// plugin consumes — to core translation.
	Passthrough Result = iota
	// Consumed stops the pipeline; core translation does not run.
	Consumed
)

// Side identifies which fabric a message originated from.
type Side int

const (
	FromMesh Side = iota
	FromMatrix
)

// Inbound is the read-only view of a packet/event a plugin handler receives
// (§4.8: "a read-only view of the packet/event"). Fields not applicable to
// the originating side are zero.
type Inbound struct {
	Side    Side
	Channel int
	Command string // first whitespace-delimited token of the text, lowercased
	Text    string
	NodeID  string // mesh node ID (FromMesh) or Matrix user ID (FromMatrix)
	RoomID  string // Matrix room ID (FromMatrix only)
}

// Capabilities is what §4.8 calls the plugin's access: the shared store,
// the plugin's own name (the plugin_name key for its plugin-data rows), and
// send functions on either side — never the Matrix client or radio handle
// directly. The store is not scoped per plugin, and no identity helpers are
// carried here.
type Capabilities struct {
	Store      *store.Store
	PluginName string
	SendMesh   func(ctx context.Context, channel int, text string) error
	SendMatrix func(ctx context.Context, roomID, text string) error
}

// Handler is a plugin's per-message entry point.
type Handler func(ctx context.Context, in Inbound, caps Capabilities) (Result, error)

// Plugin is one registered plugin (§4.8).
type Plugin struct {
	Name        string
	Priority    int
	MatrixCmds  map[string]struct{}
	MeshCmds    map[string]struct{}
	Channels    map[int]struct{} // empty = all channels
	When        string           // optional expr activation expression
	whenProgram *vm.Program
	Handle      Handler
}

// Compile pre-compiles the optional When expression (§4.8 channels +
// activation rules), repurposing the teacher's expr-lang "when" expression
// idiom for plugin activation instead of agent triggering.
func (p *Plugin) Compile() error {
	if p.When == "" {
		return nil
	}
	program, err := expr.Compile(p.When, expr.Env(activationEnv{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("plugin %s: compile when expression: %w", p.Name, err)
	}
	p.whenProgram = program
	return nil
}

// activationEnv is the environment exposed to a plugin's "when" expression.
type activationEnv struct {
	Channel int    `expr:"channel"`
	Side    string `expr:"side"` // "mesh" or "matrix"
	Command string `expr:"command"`
}

func (p *Plugin) activates(in Inbound) (bool, error) {
	if len(p.Channels) > 0 {
		if _, ok := p.Channels[in.Channel]; !ok {
			return false, nil
		}
	}

	if p.whenProgram == nil {
		return true, nil
	}

	side := "mesh"
	if in.Side == FromMatrix {
		side = "matrix"
	}

	result, err := expr.Run(p.whenProgram, activationEnv{Channel: in.Channel, Side: side, Command: in.Command})
	if err != nil {
		return false, err
	}
	ok, _ := result.(bool)
	return ok, nil
}

func (p *Plugin) handlesCommand(in Inbound) bool {
	if in.Command == "" {
		return true // payloads with no text (sensor data, etc.) are offered to every active plugin; any text's first token counts as its command
	}
	cmds := p.MeshCmds
	if in.Side == FromMatrix {
		cmds = p.MatrixCmds
	}
	if len(cmds) == 0 {
		return true
	}
	_, ok := cmds[in.Command]
	return ok
}

// Dispatcher runs plugins in priority order over every inbound message
// (§4.8).
type Dispatcher struct {
	mu      sync.RWMutex
	plugins []*Plugin
	onError func(pluginName string, err error)
}

// NewDispatcher creates an empty dispatcher. onError is called for every
// plugin error (§7 "Plugin error": logged, pipeline continues as
// passthrough).
func NewDispatcher(onError func(pluginName string, err error)) *Dispatcher {
	return &Dispatcher{onError: onError}
}

// Register adds a plugin and re-sorts by (priority asc, name asc) — "lower
// runs first, stable tie-break by name" (§4.8).
func (d *Dispatcher) Register(p *Plugin) error {
	if err := p.Compile(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.plugins = append(d.plugins, p)
	sort.SliceStable(d.plugins, func(i, j int) bool {
		if d.plugins[i].Priority != d.plugins[j].Priority {
			return d.plugins[i].Priority < d.plugins[j].Priority
		}
		return d.plugins[i].Name < d.plugins[j].Name
	})
	return nil
}

// Dispatch runs the pipeline for one inbound message and reports whether
// any plugin consumed it (§4.6 step 6, §4.7 step 6).
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound, storeFor func(pluginName string) Capabilities) (consumed bool) {
	d.mu.RLock()
	plugins := make([]*Plugin, len(d.plugins))
	copy(plugins, d.plugins)
	d.mu.RUnlock()

	for _, p := range plugins {
		active, err := p.activates(in)
		if err != nil {
			if d.onError != nil {
				d.onError(p.Name, err)
			}
			continue
		}
		if !active || !p.handlesCommand(in) {
			continue
		}

		result, err := func() (r Result, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("plugin %s panicked: %v", p.Name, rec)
					r = Passthrough
				}
			}()
			return p.Handle(ctx, in, storeFor(p.Name))
		}()

		if err != nil {
			if d.onError != nil {
				d.onError(p.Name, err)
			}
			continue // §7: plugin error treated as passthrough
		}

		if result == Consumed {
			return true
		}
	}

	return false
}
