package coordinator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/chunkd/chunkd/pkg/upload"
	"github.com/chunkd/chunkd/pkg/upload/store/memory"
)

func propCoordinator(t interface{ TempDir() string }, chunkSize int64) (*Coordinator, *memory.Store) {
	store := memory.New()
	c, err := New(store, Config{
		UploadDir: t.TempDir(),
		TempDir:   t.TempDir(),
		ChunkSize: chunkSize,
	}, nil)
	if err != nil {
		panic(err)
	}
	return c, store
}

// For any submission order that covers all indices, the final digest equals
// the digest of the in-order concatenation of the chunk payloads.
func TestAssembledDigestMatchesConcatenation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunkSize := int64(rapid.IntRange(1, 16).Draw(rt, "chunkSize"))
		numChunks := rapid.IntRange(1, 8).Draw(rt, "numChunks")
		tailLen := int64(rapid.IntRange(1, int(chunkSize)).Draw(rt, "tailLen"))
		totalSize := chunkSize*int64(numChunks-1) + tailLen

		chunks := make([][]byte, numChunks)
		for i := range chunks {
			length := upload.ChunkLength(i, totalSize, chunkSize)
			chunks[i] = rapid.SliceOfN(rapid.Byte(), int(length), int(length)).
				Draw(rt, fmt.Sprintf("chunk%d", i))
		}
		order := rapid.Permutation(indices(numChunks)).Draw(rt, "order")

		c, store := propCoordinator(t, chunkSize)
		ctx := context.Background()

		if _, err := c.Init(ctx, "u1", "a.bin", totalSize); err != nil {
			rt.Fatalf("init: %v", err)
		}
		for _, i := range order {
			if _, err := c.ReceiveChunk(ctx, "u1", i, bytes.NewReader(chunks[i])); err != nil {
				rt.Fatalf("chunk %d: %v", i, err)
			}
		}

		session, err := store.GetSession(ctx, "u1")
		if err != nil {
			rt.Fatalf("get session: %v", err)
		}
		if session.Status != upload.StatusCompleted {
			rt.Fatalf("status = %s", session.Status)
		}

		want := sha256.New()
		for _, chunk := range chunks {
			want.Write(chunk)
		}
		if session.FinalHash != hex.EncodeToString(want.Sum(nil)) {
			rt.Errorf("final hash %s does not match concatenation digest", session.FinalHash)
		}
	})
}

// Duplicate submissions of the same (id, index) never change the assembled
// bytes: the first successful write wins.
func TestDuplicateSubmissionsAreIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunkSize := int64(rapid.IntRange(1, 8).Draw(rt, "chunkSize"))
		numChunks := rapid.IntRange(1, 5).Draw(rt, "numChunks")
		totalSize := chunkSize * int64(numChunks)

		chunks := make([][]byte, numChunks)
		for i := range chunks {
			chunks[i] = rapid.SliceOfN(rapid.Byte(), int(chunkSize), int(chunkSize)).
				Draw(rt, fmt.Sprintf("chunk%d", i))
		}
		// Each index is submitted once, plus a random number of retries.
		var schedule []int
		for i := 0; i < numChunks; i++ {
			repeats := rapid.IntRange(1, 4).Draw(rt, fmt.Sprintf("repeats%d", i))
			for r := 0; r < repeats; r++ {
				schedule = append(schedule, i)
			}
		}
		schedule = rapid.Permutation(schedule).Draw(rt, "schedule")

		c, store := propCoordinator(t, chunkSize)
		ctx := context.Background()

		if _, err := c.Init(ctx, "u1", "a.bin", totalSize); err != nil {
			rt.Fatalf("init: %v", err)
		}
		for _, i := range schedule {
			if _, err := c.ReceiveChunk(ctx, "u1", i, bytes.NewReader(chunks[i])); err != nil {
				rt.Fatalf("chunk %d: %v", i, err)
			}
		}

		session, err := store.GetSession(ctx, "u1")
		if err != nil {
			rt.Fatalf("get session: %v", err)
		}
		want := sha256.New()
		for _, chunk := range chunks {
			want.Write(chunk)
		}
		if session.FinalHash != hex.EncodeToString(want.Sum(nil)) {
			rt.Errorf("duplicates corrupted the assembled file")
		}
	})
}

// No matter how many workers detect completion concurrently, the session
// reaches COMPLETED exactly once and the hash is written once.
func TestConcurrentCompletersSingleWinner(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numChunks := rapid.IntRange(1, 4).Draw(rt, "numChunks")
		racers := rapid.IntRange(2, 8).Draw(rt, "racers")
		chunkSize := int64(4)
		totalSize := chunkSize * int64(numChunks)

		chunks := make([][]byte, numChunks)
		for i := range chunks {
			chunks[i] = rapid.SliceOfN(rapid.Byte(), int(chunkSize), int(chunkSize)).
				Draw(rt, fmt.Sprintf("chunk%d", i))
		}

		c, store := propCoordinator(t, chunkSize)
		ctx := context.Background()

		if _, err := c.Init(ctx, "u1", "a.bin", totalSize); err != nil {
			rt.Fatalf("init: %v", err)
		}
		for i := 0; i < numChunks-1; i++ {
			if _, err := c.ReceiveChunk(ctx, "u1", i, bytes.NewReader(chunks[i])); err != nil {
				rt.Fatalf("chunk %d: %v", i, err)
			}
		}

		last := numChunks - 1
		errCh := make(chan error, racers)
		var wg sync.WaitGroup
		for r := 0; r < racers; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.ReceiveChunk(ctx, "u1", last, bytes.NewReader(chunks[last]))
				errCh <- err
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if err != nil {
				rt.Fatalf("racer: %v", err)
			}
		}

		session, err := store.GetSession(ctx, "u1")
		if err != nil {
			rt.Fatalf("get session: %v", err)
		}
		if session.Status != upload.StatusCompleted {
			rt.Errorf("status = %s, want COMPLETED", session.Status)
		}

		want := sha256.New()
		for _, chunk := range chunks {
			want.Write(chunk)
		}
		if session.FinalHash != hex.EncodeToString(want.Sum(nil)) {
			rt.Errorf("final hash = %s", session.FinalHash)
		}
	})
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
