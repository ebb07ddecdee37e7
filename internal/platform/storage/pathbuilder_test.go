package storage

import (
	"testing"
	"time"
)

func TestBuildOrderArchivePath(t *testing.T) {
	exported := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	path, err := BuildObjectPath(PurposeOrderArchive, PathParams{ExportedAt: exported})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "archives/completed-20240301-123045.jsonl"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
	if !IsOrderArchiveObject(path) {
		t.Fatalf("expected %s to be recognised as an archive object", path)
	}
}

func TestBuildOrderArchivePathRequiresTimestamp(t *testing.T) {
	if _, err := BuildObjectPath(PurposeOrderArchive, PathParams{}); err == nil {
		t.Fatalf("expected error for zero timestamp")
	}
}

func TestBuildObjectPathRejectsUnknownPurpose(t *testing.T) {
	if _, err := BuildObjectPath(ObjectPurpose("thumbnails"), PathParams{}); err == nil {
		t.Fatalf("expected error for unknown purpose")
	}
}

func TestIsOrderArchiveObjectRejectsForeignPaths(t *testing.T) {
	if IsOrderArchiveObject("uploads/2024/orders.jsonl") {
		t.Fatalf("expected foreign path to be rejected")
	}
}
