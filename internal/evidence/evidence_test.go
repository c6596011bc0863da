package evidence

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)
	return NewStore(backend, sealer)
}

func TestNewSealer_RejectsShortSecret(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	require.ErrorIs(t, err, ErrWeakSecret)
}

func TestSealer_NonceIsFreshPerSeal(t *testing.T) {
	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)

	a, err := sealer.Seal([]byte("frame"), nil)
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("frame"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := newTestStore(t, NewMemoryBackend()).WithClock(func() time.Time { return fixed })

	blob := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}
	rec, err := store.Store(ctx, "sess-1", domain.EvidenceImage, blob)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rec.Reference, "ev_"))
	assert.True(t, strings.HasPrefix(rec.ContentHash, "sha256:"))
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, domain.EvidenceImage, rec.Kind)
	assert.Equal(t, fixed, rec.CreatedAt)

	got, err := store.Retrieve(ctx, rec.Reference)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	store := newTestStore(t, NewMemoryBackend())

	_, err := store.Store(context.Background(), "sess-1", domain.EvidenceKind("video"), []byte("x"))
	assert.True(t, domain.IsValidation(err))

	_, err = store.Store(context.Background(), "sess-1", domain.EvidenceAudio, nil)
	assert.True(t, domain.IsValidation(err))
}

func TestStore_UnknownReference(t *testing.T) {
	store := newTestStore(t, NewMemoryBackend())
	_, err := store.Retrieve(context.Background(), "ev_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"flipped tag bit", func(r *Record) { r.Sealed.Tag[0] ^= 0x01 }},
		{"flipped ciphertext bit", func(r *Record) { r.Sealed.Ciphertext[0] ^= 0x80 }},
		{"truncated nonce", func(r *Record) { r.Sealed.Nonce = r.Sealed.Nonce[:4] }},
		{"rebound session", func(r *Record) { r.SessionID = "sess-other" }},
		{"rewritten hash", func(r *Record) { r.ContentHash = "sha256:00" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend := NewMemoryBackend()
			store := newTestStore(t, backend)

			rec, err := store.Store(ctx, "sess-1", domain.EvidenceAudio, []byte("pcm-samples"))
			require.NoError(t, err)
			require.True(t, backend.Mutate(rec.Reference, tt.mutate))

			got, err := store.Retrieve(ctx, rec.Reference)
			require.ErrorIs(t, err, domain.ErrIntegrity)
			assert.Nil(t, got)
		})
	}
}

func TestStore_DifferentSecretCannotOpen(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := newTestStore(t, backend)

	rec, err := store.Store(ctx, "sess-1", domain.EvidenceImage, []byte("frame"))
	require.NoError(t, err)

	other, err := NewSealer([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	_, err = NewStore(backend, other).Retrieve(ctx, rec.Reference)
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

type failingBackend struct{ MemoryBackend }

func (f *failingBackend) Put(context.Context, *Record) error {
	return io.ErrUnexpectedEOF
}

func TestStore_BackendFailureIsUnavailable(t *testing.T) {
	store := newTestStore(t, &failingBackend{})
	_, err := store.Store(context.Background(), "sess-1", domain.EvidenceImage, []byte("frame"))
	require.ErrorIs(t, err, domain.ErrEvidenceUnavailable)
}

func TestSQLiteBackend_RoundTripAndTamper(t *testing.T) {
	ctx := context.Background()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	store := newTestStore(t, backend)
	rec, err := store.Store(ctx, "sess-1", domain.EvidenceImage, []byte("jpeg-bytes"))
	require.NoError(t, err)

	got, err := store.Retrieve(ctx, rec.Reference)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), got)

	_, err = store.Retrieve(ctx, "ev_unknown")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = backend.db.ExecContext(ctx, `UPDATE evidence SET tag = ? WHERE reference = ?`,
		bytes.Repeat([]byte{0}, 16), rec.Reference)
	require.NoError(t, err)

	_, err = store.Retrieve(ctx, rec.Reference)
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	body []byte
	meta map[string]string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[strings.ToLower(k)] = v
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = fakeObject{body: body, meta: meta}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.body)),
		Metadata: obj.meta,
	}, nil
}

func TestS3Backend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: make(map[string]fakeObject)}
	store := newTestStore(t, newS3Backend(client, "proctor-evidence", "exams/"))

	rec, err := store.Store(ctx, "sess-9", domain.EvidenceAudio, []byte("clip"))
	require.NoError(t, err)

	obj, ok := client.objects["proctor-evidence/exams/"+rec.Reference+".bin"]
	require.True(t, ok)
	assert.NotContains(t, string(obj.body), "clip")
	assert.Equal(t, "sess-9", obj.meta[metaSessionID])
	assert.Equal(t, rec.ContentHash, obj.meta[metaContentHash])

	got, err := store.Retrieve(ctx, rec.Reference)
	require.NoError(t, err)
	assert.Equal(t, []byte("clip"), got)

	_, err = store.Retrieve(ctx, "ev_absent")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestS3Backend_CorruptMetadata(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: make(map[string]fakeObject)}
	backend := newS3Backend(client, "b", "")
	store := newTestStore(t, backend)

	rec, err := store.Store(ctx, "sess-9", domain.EvidenceImage, []byte("frame"))
	require.NoError(t, err)
	client.objects["b/"+rec.Reference+".bin"].meta[metaNonce] = "%%%"

	_, err = store.Retrieve(ctx, rec.Reference)
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestNewBackend_Unsupported(t *testing.T) {
	_, err := NewBackend(context.Background(), BackendConfig{Type: "tape"})
	require.Error(t, err)

	b, err := NewBackend(context.Background(), BackendConfig{Type: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)
}
