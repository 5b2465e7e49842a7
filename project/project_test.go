package project

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go-daw/sequencer"
)

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	p := New("demo", 133)
	p.Seed = 42
	p.MasterGain = 0.7
	pat := sequencer.NewPattern()
	pat.LoopStart = 2
	pat.LoopEnd = 7
	pat.Direction = sequencer.Backward
	pat.Steps[3].Velocity = 0
	pat.Steps[4].Performance = sequencer.PerfRoll3Up
	p.Tracks[0] = &Track{
		Name:       "bass",
		Volume:     0.4,
		Pan:        -0.3,
		Solo:       true,
		PluginPath: "gain",
		Params:     map[uint32]float32{1: 0.5, 7: 0.9},
		Pattern:    *pat,
	}

	if err := Save(path, p); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if got.Name != "demo" || got.Tempo != 133 || got.Seed != 42 || got.MasterGain != 0.7 {
		t.Fatalf("header mismatch: %+v", got)
	}
	tr := got.Tracks[0]
	if tr == nil {
		t.Fatal("track 0 missing")
	}
	if tr.Name != "bass" || tr.Volume != 0.4 || tr.Pan != -0.3 || !tr.Solo {
		t.Fatalf("track mismatch: %+v", tr)
	}
	if tr.PluginPath != "gain" || !reflect.DeepEqual(tr.Params, p.Tracks[0].Params) {
		t.Fatalf("plugin state mismatch: %+v", tr)
	}
	if !reflect.DeepEqual(tr.Pattern, *pat) {
		t.Fatalf("pattern mismatch:\n got %+v\nwant %+v", tr.Pattern, *pat)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("load of missing file succeeded")
	}
}

func TestLoadDefaultsTempo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.json")
	if err := os.WriteFile(path, []byte(`{"name":"legacy"}`), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Tempo != 120 {
		t.Fatalf("tempo %v, want default 120", p.Tempo)
	}
	if p.Tracks == nil {
		t.Fatal("nil tracks map")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("load of malformed file succeeded")
	}
}

func TestSaveIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	p := New("demo", 120)
	p.Tracks[2] = &Track{Name: "lead", Volume: 1, Pattern: *sequencer.NewPattern()}

	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	if err := Save(a, p); err != nil {
		t.Fatal(err)
	}
	if err := Save(b, p); err != nil {
		t.Fatal(err)
	}
	da, _ := os.ReadFile(a)
	db, _ := os.ReadFile(b)
	if string(da) != string(db) {
		t.Fatal("same project serialized differently")
	}
}
