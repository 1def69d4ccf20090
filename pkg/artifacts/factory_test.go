package artifacts

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStore(t *testing.T) {
	dataDir := t.TempDir()
	cases := []struct {
		name    string
		cfg     Config
		check   func(t *testing.T, s Store)
		wantErr []string // any of
	}{
		{
			name: "default is fs under data dir",
			cfg:  Config{DataDir: dataDir},
			check: func(t *testing.T, s Store) {
				fs, ok := s.(*FileStore)
				if !ok {
					t.Fatalf("got %T", s)
				}
				if want := filepath.Join(dataDir, "artifacts"); fs.Dir() != want {
					t.Errorf("dir = %s, want %s", fs.Dir(), want)
				}
			},
		},
		{
			name: "memory",
			cfg:  Config{Type: StoreTypeMemory},
			check: func(t *testing.T, s Store) {
				if _, ok := s.(*MemoryStore); !ok {
					t.Fatalf("got %T", s)
				}
			},
		},
		{name: "s3 needs bucket", cfg: Config{Type: StoreTypeS3}, wantErr: []string{"ARTIFACT_S3_BUCKET is required"}},
		{
			name: "gcs needs bucket or build tag",
			cfg:  Config{Type: StoreTypeGCS},
			wantErr: []string{
				"ARTIFACT_GCS_BUCKET is required",
				"GCS storage is not enabled",
			},
		},
		{name: "unknown type", cfg: Config{Type: "azure"}, wantErr: []string{"unsupported artifact storage type"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewStore(context.Background(), tc.cfg)
			if len(tc.wantErr) > 0 {
				if err == nil {
					t.Fatal("expected error")
				}
				for _, w := range tc.wantErr {
					if strings.Contains(err.Error(), w) {
						return
					}
				}
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil {
				t.Fatalf("NewStore: %v", err)
			}
			tc.check(t, s)
		})
	}
}

func TestStores_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, s := range []Store{NewMemoryStore(), mustFileStore(t)} {
		t.Run(typeName(s), func(t *testing.T) {
			data := []byte("\x00asm module bytes")
			digest, err := s.Store(ctx, data)
			if err != nil {
				t.Fatalf("Store: %v", err)
			}
			if digest != Digest(data) {
				t.Errorf("digest = %s", digest)
			}
			if again, _ := s.Store(ctx, data); again != digest {
				t.Errorf("second Store = %s", again)
			}

			got, err := s.Get(ctx, digest)
			if err != nil || string(got) != string(data) {
				t.Fatalf("Get = %q, %v", got, err)
			}

			if err := s.Delete(ctx, digest); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, digest); err != nil {
				t.Fatalf("second Delete: %v", err)
			}
			if ok, _ := s.Exists(ctx, digest); ok {
				t.Error("blob survived Delete")
			}
			if _, err := s.Get(ctx, digest); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Delete = %v", err)
			}
			if _, err := s.Get(ctx, "invalid-hash"); err == nil || !strings.Contains(err.Error(), "invalid hash format") {
				t.Errorf("invalid digest: %v", err)
			}
		})
	}
}

func TestFileStore_LeavesNoTempFiles(t *testing.T) {
	s := mustFileStore(t)
	digest, err := s.Store(context.Background(), []byte("module"))
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != strings.TrimPrefix(digest, "sha256:")+".blob" {
		t.Fatalf("dir holds %v", entries)
	}
}

func TestFileStore_RejectsTamperedBlob(t *testing.T) {
	s := mustFileStore(t)
	ctx := context.Background()
	digest, err := s.Store(ctx, []byte("module"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(s.Dir(), strings.TrimPrefix(digest, "sha256:")+".blob")
	if err := os.WriteFile(path, []byte("patched"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, digest); err == nil || !strings.Contains(err.Error(), "corrupt") {
		t.Fatalf("Get = %v, want corruption error", err)
	}
}

func mustFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func typeName(s Store) string {
	switch s.(type) {
	case *FileStore:
		return "fs"
	case *MemoryStore:
		return "memory"
	}
	return "other"
}

type edKey struct{ priv ed25519.PrivateKey }

func (k edKey) Sign(msg []byte) ([]byte, error) { return ed25519.Sign(k.priv, msg), nil }
func (k edKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(k.priv.Public().(ed25519.PublicKey), msg, sig)
}

func TestRegistry_SignedModule(t *testing.T) {
	ctx := context.Background()
	seed := make([]byte, ed25519.SeedSize)
	key := edKey{priv: ed25519.NewKeyFromSeed(seed)}
	reg := NewRegistry(NewMemoryStore(), key)

	hash, err := reg.PutModule(ctx, "adder", "1.0.0", []byte("wasm"), key)
	if err != nil {
		t.Fatalf("PutModule failed: %v", err)
	}
	mod, err := reg.LoadModule(ctx, hash)
	if err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	if string(mod) != "wasm" {
		t.Errorf("unexpected module %q", mod)
	}

	unsigned, _ := reg.PutModule(ctx, "adder", "1.0.1", []byte("wasm2"), nil)
	if _, err := reg.LoadModule(ctx, unsigned); err == nil {
		t.Fatal("Expected unsigned module to be rejected when a verifier is configured")
	}
	ok, reasons, err := reg.VerifyModule(ctx, unsigned)
	if err != nil || ok || len(reasons) == 0 {
		t.Errorf("Expected verification failure, got ok=%v reasons=%v err=%v", ok, reasons, err)
	}
}

func TestRegistry_RejectsEmptyModule(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil)
	if _, err := reg.PutModule(context.Background(), "x", "", nil, nil); err == nil {
		t.Fatal("Expected error for empty module")
	}
}
