package benchmark

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/waldb/waldb"
)

// setupDB creates a temporary database for benchmarking.
func setupDB(b *testing.B) (*waldb.DB, string) {
	tmpDir := filepath.Join(b.TempDir(), "bench-db")
	db, err := waldb.Open(tmpDir)
	if err != nil {
		b.Fatalf("Failed to open DB: %v", err)
	}
	return db, tmpDir
}

// BenchmarkSet measures the performance of Set operations.
func BenchmarkSet(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	values := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		values[i] = []byte(fmt.Sprintf("value-%d", i))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Set(keys[i], values[i], false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}
}

// BenchmarkGet measures the performance of Get operations from the memtable.
func BenchmarkGet(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("value-%d", i)
		if err := db.Set(key, []byte(value), false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i%numKeys)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := db.Get(keys[i]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkGetFromSegment measures Get performance after data has been
// flushed to an L0 segment (renamed from the teacher's
// BenchmarkGetFromSSTable: this module's on-disk unit is a segment, not
// an SSTable).
func BenchmarkGetFromSegment(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 10000
	valueSize := 100

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%08d", i)
		value := make([]byte, valueSize)
		for j := range value {
			value[j] = byte(i + j)
		}
		if err := db.Set(key, value, false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}
	if err := db.Flush(); err != nil {
		b.Fatalf("Flush failed: %v", err)
	}

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%08d", i%numKeys)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := db.Get(keys[i]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkSetGet measures mixed Set and Get operations.
func BenchmarkSetGet(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	values := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		values[i] = []byte(fmt.Sprintf("value-%d", i))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Set(keys[i], values[i], false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
		if _, err := db.Get(keys[i]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkSequentialWrite measures sequential write performance.
func BenchmarkSequentialWrite(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%010d", i)
		value := fmt.Sprintf("value-%010d", i)
		if err := db.Set(key, []byte(value), false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}
}

// BenchmarkRandomRead measures random read performance.
func BenchmarkRandomRead(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%08d", i)
		value := fmt.Sprintf("value-%08d", i)
		if err := db.Set(key, []byte(value), false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(42))
	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%08d", rng.Intn(numKeys))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := db.Get(keys[i]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkDelete measures delete performance.
func BenchmarkDelete(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		if err := db.Set(keys[i], []byte(fmt.Sprintf("value-%d", i)), false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Delete(keys[i]); err != nil {
			b.Fatalf("Delete failed: %v", err)
		}
	}
}

// BenchmarkWriteLargeValues measures performance with large values.
func BenchmarkWriteLargeValues(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	largeValue := make([]byte, 10*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := db.Set(key, largeValue, false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}
}

// BenchmarkWriteSmallValues measures performance with small values.
func BenchmarkWriteSmallValues(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("v%d", i)
		if err := db.Set(key, []byte(value), false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}
}

// BenchmarkConcurrentWrites measures concurrent write performance.
func BenchmarkConcurrentWrites(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i)
			value := fmt.Sprintf("value-%d", i)
			if err := db.Set(key, []byte(value), false); err != nil {
				b.Fatalf("Set failed: %v", err)
			}
			i++
		}
	})
}

// BenchmarkConcurrentReads measures concurrent read performance.
func BenchmarkConcurrentReads(b *testing.B) {
	db, _ := setupDB(b)
	defer db.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("value-%d", i)
		if err := db.Set(key, []byte(value), false); err != nil {
			b.Fatalf("Set failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(42))
		for pb.Next() {
			key := fmt.Sprintf("key-%d", rng.Intn(numKeys))
			if _, err := db.Get(key); err != nil {
				b.Fatalf("Get failed: %v", err)
			}
		}
	})
}
