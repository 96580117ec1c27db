package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzulkifli/arbot/internal/domain"
)

type fakeSource struct {
	execs   []domain.Execution
	deleted []string
	listErr error
}

func (f *fakeSource) ListEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Execution, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Execution
	for _, e := range f.execs {
		if e.EndedAt.Before(cutoff) && !contains(f.deleted, e.ID) {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) DeleteByIDs(ctx context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type fakePutter struct {
	objects map[string][]byte
	err     error
}

func (f *fakePutter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if f.err != nil {
		return f.err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	b, _ := io.ReadAll(data)
	f.objects[path] = b
	return nil
}

func terminalExec(id string, endedAt time.Time) domain.Execution {
	return domain.Execution{
		ID:      id,
		Pair:    "XBT/MYR",
		State:   domain.ExecCompleted,
		EndedAt: endedAt,
	}
}

func TestArchiver_UploadsAndPrunes(t *testing.T) {
	old := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	recent := time.Now().UTC()

	source := &fakeSource{execs: []domain.Execution{
		terminalExec("e1", old),
		terminalExec("e2", old.Add(time.Hour)),
		terminalExec("e3", recent),
	}}
	putter := &fakePutter{}

	a := NewArchiver(source, putter, slog.New(slog.DiscardHandler))
	n, err := a.ArchiveBefore(context.Background(), recent.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.ElementsMatch(t, []string{"e1", "e2"}, source.deleted)

	require.Len(t, putter.objects, 1)
	for _, body := range putter.objects {
		sc := bufio.NewScanner(bytes.NewReader(body))
		lines := 0
		for sc.Scan() {
			var e domain.Execution
			require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
			lines++
		}
		assert.Equal(t, 2, lines)
	}
}

func TestArchiver_FailedUploadLeavesStoreUntouched(t *testing.T) {
	old := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{execs: []domain.Execution{terminalExec("e1", old)}}
	putter := &fakePutter{err: errors.New("bucket gone")}

	a := NewArchiver(source, putter, slog.New(slog.DiscardHandler))
	n, err := a.ArchiveBefore(context.Background(), time.Now().UTC())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, source.deleted)
}

func TestArchiver_NothingToArchive(t *testing.T) {
	source := &fakeSource{}
	a := NewArchiver(source, &fakePutter{}, slog.New(slog.DiscardHandler))
	n, err := a.ArchiveBefore(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
}
