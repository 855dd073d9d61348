package memory

import (
	"testing"

	"geoledger/internal/storage"
	"geoledger/internal/storage/storagetest"
)

func TestBackendSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend { return NewStore() })
}

func TestRegisteredAsMemoryDriver(t *testing.T) {
	b, err := storage.Open(storage.DriverConfig{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if _, ok := b.(*Store); !ok {
		t.Fatalf("unexpected backend type %T", b)
	}
}
