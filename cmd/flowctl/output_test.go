package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestOutputWriterAppendCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	w := newOutputWriter(path)
	if err := w.Append(OutputRecord{JobID: "a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var records []OutputRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(records) != 1 || records[0].JobID != "a" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestOutputWriterAppendAccumulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	w := newOutputWriter(path)
	if err := w.Append(OutputRecord{JobID: "a"}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := w.Append(OutputRecord{JobID: "b"}); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var records []OutputRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(records) != 2 || records[0].JobID != "a" || records[1].JobID != "b" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestOutputWriterEmptyPathIsNoOp(t *testing.T) {
	w := newOutputWriter("")
	if err := w.Append(OutputRecord{JobID: "a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOutputWriterConcurrentAppendsAllSurvive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	w := newOutputWriter(path)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = w.Append(OutputRecord{JobID: "job"})
			_ = n
		}(i)
	}
	wg.Wait()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var records []OutputRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("expected 10 records, got %d", len(records))
	}
}

func TestOutputWriterAppendErrorOnOutputMarksFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	w := newOutputWriter(path)
	if err := w.Append(OutputRecord{JobID: "a", Error: "boom"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(path)
	var records []OutputRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if records[0].Error != "boom" || records[0].Result != nil {
		t.Fatalf("expected error recorded and no result, got %+v", records[0])
	}
}
