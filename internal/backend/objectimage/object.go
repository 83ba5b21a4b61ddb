package objectimage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	gax "github.com/googleapis/gax-go/v2"
)

const (
	readTimeout       = 10 * time.Second
	attrsTimeout      = 5 * time.Second
	initialBackoff    = 10 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
)

// remoteObject is the remote image backing an objectimage handler: one GCS
// object, addressed as bucket/object — the Go-idiomatic analogue of the
// "pool/image" naming spec.md's object-store back end uses.
type remoteObject struct {
	ctx    context.Context
	handle *storage.ObjectHandle
}

func newRemoteObject(ctx context.Context, client *storage.Client, bucket, object string) *remoteObject {
	handle := client.Bucket(bucket).Object(object).Retryer(
		storage.WithBackoff(gax.Backoff{
			Initial:    initialBackoff,
			Max:        maxBackoff,
			Multiplier: backoffMultiplier,
		}),
		storage.WithPolicy(storage.RetryAlways),
	)

	return &remoteObject{ctx: ctx, handle: handle}
}

func (o *remoteObject) Size() (int64, error) {
	ctx, cancel := context.WithTimeout(o.ctx, attrsTimeout)
	defer cancel()

	attrs, err := o.handle.Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("objectimage: get object attributes: %w", err)
	}

	return attrs.Size, nil
}

func (o *remoteObject) ReadAt(p []byte, off int64) (int, error) {
	ctx, cancel := context.WithTimeout(o.ctx, readTimeout)
	defer cancel()

	reader, err := o.handle.NewRangeReader(ctx, off, int64(len(p)))
	if err != nil {
		return 0, fmt.Errorf("objectimage: open range reader: %w", err)
	}
	defer reader.Close()

	n := 0
	for reader.Remain() > 0 {
		nr, readErr := reader.Read(p[n:])
		n += nr
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return n, fmt.Errorf("objectimage: read range: %w", readErr)
		}
	}

	return n, nil
}

func (o *remoteObject) WriteAt(p []byte, off int64) (int, error) {
	w := o.handle.NewWriter(o.ctx)

	_, err := w.Write(p)
	if err != nil {
		return 0, fmt.Errorf("objectimage: write object: %w", err)
	}

	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("objectimage: close object writer: %w", err)
	}

	return len(p), nil
}
