package migrations

import (
	"strings"
	"testing"
)

func TestUp(t *testing.T) {
	ms, err := Up()
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) == 0 {
		t.Fatal("no migrations embedded")
	}
	if ms[0].Version != 1 {
		t.Errorf("first version: got %d, want 1", ms[0].Version)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].Version <= ms[i-1].Version {
			t.Errorf("migrations out of order: %s after %s", ms[i].Name, ms[i-1].Name)
		}
	}
	if !strings.Contains(ms[0].SQL, "CREATE TABLE IF NOT EXISTS entries") {
		t.Error("init migration does not create entries")
	}
}

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"001_init.up.sql", 1, false},
		{"042_more.up.sql", 42, false},
		{"init.up.sql", 0, true},
		{"abc_init.up.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := versionFromFile(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("versionFromFile(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("versionFromFile(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
