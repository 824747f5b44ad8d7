package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestReading_Pending(t *testing.T) {
	r := &Reading{ID: "r-1", MeterID: "m-1", Value: 12.5}
	if !r.Pending() {
		t.Error("reading without SynchedAt should be pending")
	}

	now := time.Now().UTC()
	r.SynchedAt = &now
	if r.Pending() {
		t.Error("reading with SynchedAt should not be pending")
	}
}

func TestReading_HasLocalImage(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"", false},
		{"/data/pictures/m-1/r-1.jpg", true},
		{"pictures/m-1/r-1.jpg", true},
		{"https://cdn.example.com/r-1.jpg", false},
		{"http://10.0.0.2:9000/images/r-1.jpg", false},
	}
	for _, tt := range tests {
		r := &Reading{ImagePath: tt.path}
		if got := r.HasLocalImage(); got != tt.want {
			t.Errorf("HasLocalImage(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestIsRemoteURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com/a.png", true},
		{"http://example.com", true},
		{"https://", false},
		{"ftp://example.com/a.png", false},
		{"/tmp/a.png", false},
		{"file:///tmp/a.png", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsRemoteURL(tt.in); got != tt.want {
			t.Errorf("IsRemoteURL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestImageExt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/tmp/photo.JPG", ".jpg"},
		{"/tmp/photo.png", ".png"},
		{"/tmp/photo", ".jpg"},
		{"/tmp/dir.d/photo", ".jpg"},
		{"/tmp/photo.", ".jpg"},
		{"https://cdn.example.com/img/abc.webp?sig=1.2", ".webp"},
		{"https://cdn.example.com/img/abc", ".jpg"},
		{"/tmp/archive.verylongext", ".jpg"},
	}
	for _, tt := range tests {
		if got := ImageExt(tt.in); got != tt.want {
			t.Errorf("ImageExt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewReadingID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewReadingID()
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("NewReadingID() = %q is not a UUID: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
