package store

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutOpenRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("a"), 1024)
	ref, n, err := s.Put(context.Background(), BucketSource, "build1", bytes.NewReader(payload), 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)

	r, err := s.Open(ref)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	size, err := s.Size(ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), size)

	require.NoError(t, s.Delete(ref))
	assert.False(t, s.Exists(ref))
}

func TestPutExceedsMaxBytesCleansUpPartial(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("x"), 100)
	_, _, err = s.Put(context.Background(), BucketSource, "build2", bytes.NewReader(payload), 10)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	ref := Ref("source/build2")
	assert.False(t, s.Exists(ref))
}

func TestOpenRejectsPathTraversal(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	cases := []Ref{
		"source/../../../etc/passwd",
		"source/..%2f..%2fetc%2fpasswd",
		"source/root/../../etc/passwd",
		"source/\x00passwd",
		Ref("/etc/passwd"),
		"nonexistent-bucket/build1",
	}
	for _, ref := range cases {
		_, err := s.Open(ref)
		assert.Error(t, err, "ref %q should be rejected", ref)
	}
}

func TestPutValidatesID(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Put(context.Background(), BucketSource, "../escape", bytes.NewReader(nil), 10)
	assert.ErrorIs(t, err, ErrSecurity)
}

func TestConcurrentPutsToDistinctRefs(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		id := "build" + string(rune('a'+i))
		go func(id string) {
			_, _, err := s.Put(context.Background(), BucketSource, id, bytes.NewReader([]byte("data")), 100)
			done <- err
		}(id)
	}
	for i := 0; i < 10; i++ {
		assert.NoError(t, <-done)
	}
}
