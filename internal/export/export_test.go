package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/usage"
)

func sampleEntries() []storage.Entry {
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	return []storage.Entry{
		{
			Key: "claude:m1:r1",
			Record: usage.Record{
				Source: "claude", MachineID: "a1b2c3d4", MessageID: "m1", RequestID: "r1",
				Model: "claude-sonnet-4", Timestamp: at,
				Tokens:  usage.TokenCounts{Input: 100, Output: 20, CacheRead: 5},
				CostUSD: 0.0123,
			},
			SyncedAt: at.Add(time.Hour),
		},
		{
			Key: "codex:h:ff",
			Record: usage.Record{
				Source: "codex", MachineID: "a1b2c3d4", Model: "gpt-5", Timestamp: at.Add(time.Minute),
				Tokens: usage.TokenCounts{Input: 7, Reasoning: 3},
			},
		},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" CSV ")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, sampleEntries()))

	sc := bufio.NewScanner(&buf)
	var rows []map[string]any
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)
	assert.Equal(t, "claude:m1:r1", rows[0]["key"])
	assert.Equal(t, "claude-sonnet-4", rows[0]["model"])
	assert.Contains(t, rows[0], "synced_at")
	assert.NotContains(t, rows[1], "synced_at")
	tokens := rows[1]["tokens"].(map[string]any)
	assert.EqualValues(t, 3, tokens["reasoning"])
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleEntries()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])

	first := rows[1]
	assert.Equal(t, "claude:m1:r1", first[0])
	assert.Equal(t, "2025-03-01T09:30:00Z", first[7])
	assert.Equal(t, "125", first[13])
	assert.Equal(t, "0.012300", first[14])
	assert.Equal(t, "2025-03-01T10:30:00Z", first[15])
	assert.Equal(t, "", rows[2][15])
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 30, 5, 0, time.FixedZone("JST", 9*3600))
	assert.Equal(t, "tokdash/a1b2c3d4/20250301T003005Z.csv", ObjectKey("a1b2c3d4", at, FormatCSV))
}

type fakeObjects struct {
	exists bool
	made   []string
	key    string
	body   []byte
	opts   minio.PutObjectOptions
	putErr error
}

func (f *fakeObjects) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, _, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(body)) != size {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	f.key, f.body, f.opts = key, body, opts
	return minio.UploadInfo{Key: key, Size: size}, nil
}

func TestBucketUploader_Upload(t *testing.T) {
	objs := &fakeObjects{}
	u := &BucketUploader{client: objs, bucket: "usage"}
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	key, err := u.Upload(context.Background(), "a1b2c3d4", at, FormatJSONL, sampleEntries())
	require.NoError(t, err)
	assert.Equal(t, "tokdash/a1b2c3d4/20250301T093000Z.jsonl", key)
	assert.Equal(t, []string{"usage"}, objs.made)
	assert.Equal(t, "application/x-ndjson", objs.opts.ContentType)
	assert.Equal(t, "2", objs.opts.UserMetadata["records"])
	assert.Equal(t, 2, bytes.Count(objs.body, []byte("\n")))
}

func TestBucketUploader_ExistingBucketAndError(t *testing.T) {
	objs := &fakeObjects{exists: true, putErr: errors.New("access denied")}
	u := &BucketUploader{client: objs, bucket: "usage"}

	_, err := u.Upload(context.Background(), "m", time.Now(), FormatCSV, sampleEntries())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Empty(t, objs.made)
}

func TestNewBucketUploader_RequiresEndpoint(t *testing.T) {
	_, err := NewBucketUploader(BucketConfig{Bucket: "b"})
	assert.ErrorIs(t, err, ErrNoEndpoint)
}
