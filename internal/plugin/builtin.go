package plugin

import (
	"context"
	"fmt"
)

// NewPingPlugin is a trivial built-in example of the plugin contract,
// shaped after the command-token + channel-filter contract shown by the
// original project's map/weather plugins (their lookup/rendering logic is
// out of scope; only the contract shape is reused here).
func NewPingPlugin() *Plugin {
	return &Plugin{
		Name:       "ping",
		Priority:   10,
		MeshCmds:   map[string]struct{}{"ping": {}},
		MatrixCmds: map[string]struct{}{"!ping": {}},
		Handle: func(ctx context.Context, in Inbound, caps Capabilities) (Result, error) {
			switch in.Side {
			case FromMesh:
				if err := caps.SendMesh(ctx, in.Channel, "pong"); err != nil {
					return Passthrough, err
				}
			case FromMatrix:
				if err := caps.SendMatrix(ctx, in.RoomID, "pong"); err != nil {
					return Passthrough, err
				}
			}
			return Consumed, nil
		},
	}
}

// NewNodeInfoPlugin responds to a "nodeinfo" mesh command with the cached
// long/short name for the requesting node, demonstrating store access via
// Capabilities.Store (it reads the shared node name cache).
func NewNodeInfoPlugin() *Plugin {
	return &Plugin{
		Name:     "nodeinfo",
		Priority: 20,
		MeshCmds: map[string]struct{}{"nodeinfo": {}},
		Handle: func(ctx context.Context, in Inbound, caps Capabilities) (Result, error) {
			if in.Side != FromMesh {
				return Passthrough, nil
			}

			names, ok, err := caps.Store.LookupNodeNames(ctx, in.NodeID)
			if err != nil {
				return Passthrough, err
			}

			reply := "no name on file"
			if ok {
				reply = fmt.Sprintf("long=%q short=%q", names.LongName, names.ShortName)
			}

			if err := caps.SendMesh(ctx, in.Channel, reply); err != nil {
				return Passthrough, err
			}
			return Consumed, nil
		},
	}
}
