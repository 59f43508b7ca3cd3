package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestScalarMeanTracker(t *testing.T) {
	tracker := NewScalarMeanTracker()
	if !tracker.Empty() {
		t.Fatal("fresh tracker not empty")
	}

	tracker.AddScalars(map[string]float64{"reward": 1, "success": 0})
	tracker.AddScalars(map[string]float64{"reward": 3})

	means := tracker.PopAndReset()
	if means["reward"] != 2 {
		t.Errorf("reward mean = %v, want 2", means["reward"])
	}
	if means["success"] != 0 {
		t.Errorf("success mean = %v, want 0", means["success"])
	}
	if !tracker.Empty() {
		t.Error("tracker not empty after pop")
	}
}

func TestSinkWritesRecords(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir, "exp", "2026-01-02_03-04-05", "run-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := sink.WriteScalars("train", map[string]float64{"reward": 1.5}, 100); err != nil {
		t.Fatal(err)
	}
	if err := sink.WriteScalars("train", nil, 200); err != nil {
		t.Fatal(err)
	}
	if err := sink.WriteScalars("valid", map[string]float64{"success": 1}, 100); err != nil {
		t.Fatal(err)
	}
	sink.Close()
	sink.Close()

	if err := sink.WriteScalars("train", map[string]float64{"x": 1}, 1); err == nil {
		t.Error("write after close did not error")
	}

	file, err := os.Open(filepath.Join(dir, "metrics", "exp", "2026-01-02_03-04-05.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatal(err)
		}
		records = append(records, r)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (empty scalars skipped)", len(records))
	}
	if records[0].Mode != "train" || records[0].Steps != 100 || records[0].RunID != "run-1" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].Mode != "valid" || records[1].Scalars["success"] != 1 {
		t.Errorf("second record = %+v", records[1])
	}
}
