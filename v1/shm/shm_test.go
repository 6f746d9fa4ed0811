package shm

import (
	"errors"
	"path/filepath"
	"testing"

	garderrors "github.com/mirkobrombin/go-garden/v1/errors"
)

func TestCreateOpenShareWrites(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/garden_test", 64, 0o600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer seg.Close()

	other, err := Open(dir, "/garden_test")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer other.Close()

	if other.Size() != 64 {
		t.Fatalf("expected size 64, got %d", other.Size())
	}
	seg.Bytes()[10] = 42
	if other.Bytes()[10] != 42 {
		t.Fatal("write not visible through second mapping")
	}
	if seg.Path() != filepath.Join(dir, "garden_test") {
		t.Fatalf("unexpected path %s", seg.Path())
	}
}

func TestCreateIsExclusive(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/garden_excl", 8, 0o600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer seg.Close()

	_, err = Create(dir, "/garden_excl", 8, 0o600)
	if !errors.Is(err, garderrors.ErrResourceInit) || !errors.Is(err, garderrors.ErrExists) {
		t.Fatalf("expected exists init error, got %v", err)
	}
	if !Exists(dir, "/garden_excl") {
		t.Fatal("failed second create must not remove the first segment")
	}
}

func TestCreateFailureLeavesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	_, err := Create(dir, "/garden_missing", 8, 0o600)
	var rie *garderrors.ResourceInitError
	if !errors.As(err, &rie) || rie.Op != "shm_open" {
		t.Fatalf("expected shm_open init error, got %v", err)
	}
	if Exists(dir, "/garden_missing") {
		t.Fatal("segment should not exist")
	}
}

func TestCreateRejectsBadSize(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(dir, "/garden_zero", 0, 0o600); !errors.Is(err, garderrors.ErrResourceInit) {
		t.Fatalf("expected init error, got %v", err)
	}
	if Exists(dir, "/garden_zero") {
		t.Fatal("segment should not exist")
	}
}

func TestCloseAndUnlinkIdempotent(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "/garden_idem", 16, 0o600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if seg.Bytes() != nil {
		t.Fatal("mapping should be released")
	}
	if err := seg.Unlink(); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := seg.Unlink(); err != nil {
		t.Fatalf("second unlink: %v", err)
	}
	if Exists(dir, "/garden_idem") {
		t.Fatal("name should be gone")
	}
	again, err := Create(dir, "/garden_idem", 16, 0o600)
	if err != nil {
		t.Fatalf("recreate after unlink: %v", err)
	}
	_ = again.Close()
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(t.TempDir(), "/nope"); !errors.Is(err, garderrors.ErrResourceInit) {
		t.Fatalf("expected init error, got %v", err)
	}
}
