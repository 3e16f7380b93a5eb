package replication

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTargets(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadTargetsText(t *testing.T) {
	path := writeTargets(t, "serv.conf", `# replicas
10.0.0.1 9877
10.0.0.2   9878  # rack b

localhost 9000
`)
	got, err := LoadTargets(path, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []Target{{Host: "10.0.0.1", Port: 9877}, {Host: "10.0.0.2", Port: 9878}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %+v", got)
	}
}

func TestLoadTargetsYAML(t *testing.T) {
	path := writeTargets(t, "targets.yaml", `
targets:
  - host: a.example
    port: 9877
  - host: b.example
    port: 9877
`)
	got, err := LoadTargets(path, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got[1].String() != "b.example:9877" {
		t.Fatalf("got %+v", got)
	}
}

func TestLoadTargetsErrors(t *testing.T) {
	cases := []struct {
		name   string
		file   string
		body   string
		factor int
	}{
		{"factor too large", "s.conf", "h 1\n", 2},
		{"zero factor", "s.conf", "h 1\n", 0},
		{"missing port", "s.conf", "host-only\n", 1},
		{"bad port", "s.conf", "h port\n", 1},
		{"port range", "s.conf", "h 70000\n", 1},
		{"yaml without host", "s.yml", "targets:\n  - port: 1\n", 1},
		{"too many", "s.conf", "h 1\nh 2\nh 3\nh 4\nh 5\nh 6\nh 7\nh 8\nh 9\nh 10\nh 11\n", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadTargets(writeTargets(t, tc.file, tc.body), tc.factor); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
