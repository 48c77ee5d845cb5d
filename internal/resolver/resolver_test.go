package resolver

import (
	"context"
	"testing"
)

type fakeResolver struct {
	schemes []string
}

func (f *fakeResolver) Schemes() []string { return f.schemes }
func (f *fakeResolver) Resolve(ctx context.Context, rawURL string) ([]string, error) {
	return []string{"https://mirror.example/" + rawURL}, nil
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeResolver{schemes: nil}); err == nil {
		t.Error("expected error for resolver with no schemes")
	}
	if err := r.Register(&fakeResolver{schemes: []string{""}}); err == nil {
		t.Error("expected error for empty scheme")
	}
	if err := r.Register(&fakeResolver{schemes: []string{"nxm"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&fakeResolver{schemes: []string{"NXM"}}); err == nil {
		t.Error("expected error for duplicate scheme (case-insensitive)")
	}
}

func TestResolveDispatch(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeResolver{schemes: []string{"nxm"}}); err != nil {
		t.Fatal(err)
	}
	urls, err := r.Resolve(context.Background(), "nxm://mods/123/files/456")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(urls) != 1 || urls[0] != "https://mirror.example/nxm://mods/123/files/456" {
		t.Errorf("urls = %v", urls)
	}
}

func TestResolveUnknownScheme(t *testing.T) {
	r := DefaultRegistry()
	if _, err := r.Resolve(context.Background(), "gopher://example/file"); err == nil {
		t.Error("expected error for unknown scheme")
	}
}

func TestHTTPPassthrough(t *testing.T) {
	r := DefaultRegistry()
	for _, raw := range []string{"http://example.com/a.zip", "https://example.com/a.zip"} {
		urls, err := r.Resolve(context.Background(), raw)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", raw, err)
		}
		if len(urls) != 1 || urls[0] != raw {
			t.Errorf("Resolve(%s) = %v, want passthrough", raw, urls)
		}
	}
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := parseS3URL("s3://mod-archives/releases/pack-1.0.7z")
	if err != nil {
		t.Fatalf("parseS3URL: %v", err)
	}
	if bucket != "mod-archives" || key != "releases/pack-1.0.7z" {
		t.Errorf("got %q %q", bucket, key)
	}
	if _, _, err := parseS3URL("s3://bucket-only"); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestExtractFileID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://drive.google.com/file/d/abc123/view", "abc123"},
		{"https://drive.google.com/open?id=xyz789", "xyz789"},
		{"gdrive://fileid42", "fileid42"},
	}
	for _, tt := range tests {
		got, err := extractFileID(tt.raw)
		if err != nil {
			t.Errorf("extractFileID(%s): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("extractFileID(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
