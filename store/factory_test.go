package store

import (
	"os"
	"path/filepath"
	"testing"
)

// TestFactory tests store creation from configuration
func TestFactory(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Type = StoreTypeMemory

		s, err := New(cfg, nil)
		if err != nil {
			t.Fatalf("Failed to create memory store: %v", err)
		}
		defer s.Close()

		if _, ok := s.(*MemoryStore); !ok {
			t.Error("Expected MemoryStore")
		}
	})

	t.Run("File", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "factory-test-*")
		defer os.RemoveAll(tmpDir)

		cfg := DefaultConfig()
		cfg.Type = StoreTypeFile
		cfg.BaseDir = tmpDir

		s, err := New(cfg, nil)
		if err != nil {
			t.Fatalf("Failed to create file store: %v", err)
		}
		defer s.Close()

		if _, ok := s.(*FileStore); !ok {
			t.Error("Expected FileStore")
		}
	})

	t.Run("SQL", func(t *testing.T) {
		tmpDir, _ := os.MkdirTemp("", "factory-test-*")
		defer os.RemoveAll(tmpDir)

		cfg := DefaultConfig()
		cfg.Type = StoreTypeSQL
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = filepath.Join(tmpDir, "factory.db")
		cfg.Database.AutoMigrate = true

		s, err := New(cfg, nil)
		if err != nil {
			t.Fatalf("Failed to create sql store: %v", err)
		}
		defer s.Close()

		if _, ok := s.(*SQLStore); !ok {
			t.Error("Expected SQLStore")
		}
	})

	t.Run("InvalidType", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Type = "invalid"

		if _, err := New(cfg, nil); err == nil {
			t.Error("Expected error for invalid type")
		}
	})

	t.Run("MustNewPanics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("MustNew should panic on invalid config")
			}
		}()
		MustNew(Config{Type: "invalid"}, nil)
	})
}
