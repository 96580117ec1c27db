package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mzulkifli/arbot/internal/domain"
)

// defaultBatchSize bounds one archive page: rows fetched, serialized,
// uploaded, and pruned per round trip.
const defaultBatchSize = 500

// ExecutionSource is the narrow slice of the execution store the archiver
// needs: the time-ranged read plus the prune. domain.ExecutionStore satisfies
// it.
type ExecutionSource interface {
	ListEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Execution, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

// BlobPutter uploads one object. Writer satisfies it.
type BlobPutter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver implements domain.Archiver: terminal executions older than the
// cutoff are serialized to JSONL, uploaded under
// archive/executions/YYYY-MM/, and pruned from the primary store only after
// the upload succeeds.
type Archiver struct {
	source ExecutionSource
	writer BlobPutter
	batch  int
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(source ExecutionSource, writer BlobPutter, logger *slog.Logger) *Archiver {
	return &Archiver{
		source: source,
		writer: writer,
		batch:  defaultBatchSize,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveBefore moves all terminal executions that ended before cutoff into
// object storage and returns the number of rows archived. A failed upload
// leaves the store untouched; a failed prune after a successful upload is
// surfaced so the operator can reconcile (the object is already durable).
func (a *Archiver) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		execs, err := a.source.ListEndedBefore(ctx, cutoff, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: list executions: %w", err)
		}
		if len(execs) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(execs)
		if err != nil {
			return total, fmt.Errorf("s3blob: marshal executions: %w", err)
		}

		path := archivePath(execs[len(execs)-1].EndedAt)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: upload %s: %w", path, err)
		}

		ids := make([]string, len(execs))
		for i, e := range execs {
			ids[i] = e.ID
		}
		if err := a.source.DeleteByIDs(ctx, ids); err != nil {
			return total, fmt.Errorf("s3blob: prune after upload %s: %w", path, err)
		}

		total += len(execs)
		a.logger.Info("archived executions",
			slog.String("path", path),
			slog.Int("count", len(execs)),
		)

		if len(execs) < a.batch {
			return total, nil
		}
	}
}

// marshalJSONL serializes records one JSON object per line.
func marshalJSONL(execs []domain.Execution) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range execs {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// archivePath groups objects by the month the executions ended, with a
// nanosecond suffix so repeated runs never overwrite each other.
func archivePath(endedAt time.Time) string {
	return fmt.Sprintf("archive/executions/%s/%d.jsonl",
		endedAt.UTC().Format("2006-01"), time.Now().UnixNano())
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
