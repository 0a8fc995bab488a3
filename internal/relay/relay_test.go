package relay

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/store"
)

func testConfig() config.Config {
	enabled := true
	return config.Config{
		Matrix: config.MatrixConfig{
			Homeserver:  "https://example.org",
			BotUserID:   "@bot:example.org",
			AccessToken: "token",
		},
		MatrixRooms: []config.MatrixRoom{
			{ID: "!A:example.org", MeshtasticChannel: 0},
		},
		Meshtastic: config.MeshtasticConfig{
			ConnectionType:   "tcp",
			Host:             "192.0.2.1:4403",
			MeshnetName:      "M1",
			MessageDelay:     2.5,
			Timeout:          10,
			HealthInterval:   60,
			BroadcastEnabled: &enabled,
		},
		Database: config.DatabaseConfig{
			Pool: config.PoolConfig{Enabled: &enabled, MaxConnection: 5, MaxIdleTime: 60, Timeout: 10},
		},
		Plugins: map[string]config.PluginConfig{
			"ping": {Active: true, Priority: 10},
		},
		Logging: config.LoggingConfig{Level: "info"},
	}
}

// New wires every component without starting any goroutine or touching the
// network (transports are only opened lazily inside the engine's Run), so
// construction alone exercises the full wiring graph: the pacer/engine
// indirection, the plugin registry lookup, and every cross-package
// constructor call.
func TestNew_WiresWithoutPanicking(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "mmrelay.sqlite"), store.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := New(testConfig(), st, zerolog.Nop())
	if r.engine == nil || r.pacer == nil || r.radioIn == nil || r.matrixIn == nil || r.connector == nil {
		t.Fatal("expected every component to be constructed")
	}

	if r.engine.MyNodeNum() != 0 {
		t.Fatal("expected MyNodeNum to start at 0 before the device reports it")
	}

	if got := r.connector.Identity(); got != "" {
		t.Fatalf("expected empty identity before authentication, got %q", got)
	}
}

func TestNew_SkipsUnknownPlugin(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "mmrelay.sqlite"), store.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := testConfig()
	cfg.Plugins["mystery"] = config.PluginConfig{Active: true}

	r := New(cfg, st, zerolog.Nop())
	if r.dispatcher == nil {
		t.Fatal("expected dispatcher to be built even with an unregistered plugin name")
	}
}
