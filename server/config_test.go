package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfigOverridesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
addr: ":9000"
join_grace: 250ms
position_sample_interval: 2s
restrict_rooms: true
move_speed: 6
rooms:
  - name: Lobby
    spawn: {x: 1, y: 2}
    max_players: 8
    doors:
      - {name: Exit, to: Yard, exit_facing: Left}
  - name: Yard
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.JoinGrace != 250*time.Millisecond || cfg.PositionSampleInterval != 2*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.JoinTimeout != 5*time.Second || cfg.SendBuffer != 64 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.Rooms) != 2 {
		t.Fatalf("rooms = %+v", cfg.Rooms)
	}
	d, ok := cfg.Door("Lobby", "Exit")
	if !ok || d.To != "Yard" || d.Facing() != DirLeft {
		t.Fatalf("door = %+v ok=%v", d, ok)
	}
	if cfg.SpawnFor("Lobby") != (Position{X: 1, Y: 2}) || cfg.MaxPlayersFor("Lobby") != 8 {
		t.Fatalf("room spec not applied")
	}
	if cfg.AllowsRoom("MoonBase") {
		t.Fatalf("restricted config allows unlisted room")
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad room name", "rooms: [{name: '1bad'}]", "invalid room name"},
		{"duplicate room", "rooms: [{name: A}, {name: A}]", "duplicate room"},
		{"duplicate door", "rooms: [{name: A, doors: [{name: D, to: B}, {name: D, to: B}]}]", "duplicate door"},
		{"unknown destination", "restrict_rooms: true\nrooms: [{name: A, doors: [{name: D, to: B}]}]", "unknown destination"},
		{"bad facing", "rooms: [{name: A, doors: [{name: D, to: B, exit_facing: sideways}]}]", "unknown direction"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	if _, err := LoadConfig(""); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	path := filepath.Join(t.TempDir(), "moonbase.yaml")
	if err := os.WriteFile(path, []byte("default_room: Lounge\nkeep_empty_rooms: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultRoom != "Lounge" || !cfg.KeepEmptyRooms {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, ok := cfg.Door("MoonBase", "BarDoor"); !ok {
		t.Fatalf("default door table missing")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestDefaultDoorTable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Normalize()
	for _, name := range []string{"PoliceStationDoor", "BarDoor", "HouseDoor"} {
		d, ok := cfg.Door("MoonBase", name)
		if !ok || d.Facing() != DirUp {
			t.Fatalf("MoonBase %s = %+v ok=%v", name, d, ok)
		}
	}
	for _, room := range []string{"PoliceStation", "Bar", "House", "Lounge"} {
		r, _ := cfg.Room(room)
		if len(r.Doors) != 1 || r.Doors[0].To != "MoonBase" || r.Doors[0].Facing() != DirDown || r.Doors[0].Arrive == nil {
			t.Fatalf("%s doors = %+v", room, r.Doors)
		}
	}
}
