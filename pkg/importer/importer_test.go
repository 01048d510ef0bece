package importer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	steveID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	alexID  = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
)

const steveJSON = `{
  "playerId": "` + steveID + `",
  "username": "Steve",
  "homes": {
    "base": {"name": "Base", "world": "overworld", "x": 1.5, "y": 64, "z": -3.5, "yaw": 90, "createdAt": 1700000000000}
  },
  "lastTeleportAt": 1700000000000
}`

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseValidRecord(t *testing.T) {
	im, err := New()
	if err != nil {
		t.Fatal(err)
	}
	set, err := im.Parse([]byte(steveJSON))
	if err != nil {
		t.Fatal(err)
	}
	h, ok := set.Homes["base"]
	if !ok || h.Name != "Base" || h.Position.Z != -3.5 {
		t.Errorf("homes = %+v", set.Homes)
	}
	if set.LastTeleportAt.UnixMilli() != 1700000000000 {
		t.Errorf("last teleport = %v", set.LastTeleportAt)
	}
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	im, err := New()
	if err != nil {
		t.Fatal(err)
	}
	bad := map[string]string{
		"no player":  `{"homes": {}}`,
		"bad uuid":   `{"playerId": "steve", "homes": {}}`,
		"no world":   `{"playerId": "` + steveID + `", "homes": {"base": {"x": 0, "y": 0, "z": 0}}}`,
		"bad name":   `{"playerId": "` + steveID + `", "homes": {"my home": {"world": "w", "x": 0, "y": 0, "z": 0}}}`,
		"bad pitch":  `{"playerId": "` + steveID + `", "homes": {"base": {"world": "w", "x": 0, "y": 0, "z": 0, "pitch": 120}}}`,
		"not json":   `{"playerId": `,
		"string num": `{"playerId": "` + steveID + `", "homes": {"base": {"world": "w", "x": "1", "y": 0, "z": 0}}}`,
	}
	for name, doc := range bad {
		if _, err := im.Parse([]byte(doc)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestReadDirSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, steveID+".json", steveJSON)
	writeFile(t, dir, alexID+".json", strings.ReplaceAll(steveJSON, steveID, alexID))
	writeFile(t, dir, "broken.json", `{"homes": 3}`)
	writeFile(t, dir, "7c9e6679-0000-40de-944b-e07fc1f90ae7.json", steveJSON) // wrong owner
	writeFile(t, dir, "notes.txt", "ignored")

	im, err := New()
	if err != nil {
		t.Fatal(err)
	}
	res, err := im.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sets) != 2 || res.Homes != 2 {
		t.Errorf("sets = %d homes = %d", len(res.Sets), res.Homes)
	}
	if len(res.Problems) != 2 {
		t.Errorf("problems = %v", res.Problems)
	}
}
