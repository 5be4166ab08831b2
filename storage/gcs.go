package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
)

// GCS keeps one storage area as a single JSON object in a Cloud Storage
// bucket. Writes are conditional on the object generation that was read, so
// concurrent writers never silently drop each other's keys.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	object string
}

// NewGCS returns a backend storing area in gs://bucket/<area>.json.
func NewGCS(client *storage.Client, bucket, area string, logger *slog.Logger) *GCS {
	return &GCS{client: client, bucket: bucket, object: area + ".json", logger: logger}
}

func (g *GCS) handle() *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.object)
}

// read returns the document and the generation it was read at (0 if absent).
func (g *GCS) read(ctx context.Context) (map[string]json.RawMessage, int64, error) {
	doc := map[string]json.RawMessage{}
	r, err := g.handle().NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return doc, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open storage reader: %w", err)
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			g.logger.Warn("Failed to close storage reader", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read from storage: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, retry.Unrecoverable(fmt.Errorf("decode %s: %w", g.object, err))
	}
	return doc, r.Attrs.Generation, nil
}

func (g *GCS) write(ctx context.Context, doc map[string]json.RawMessage, generation int64) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("encode document: %w", err))
	}

	cond := storage.Conditions{GenerationMatch: generation}
	if generation == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}
	w := g.handle().If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			g.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			g.logger.Info("Storage object changed concurrently, reloading", "object", g.object)
		}
		return fmt.Errorf("close storage writer: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func (g *GCS) update(ctx context.Context, op string, mutate func(map[string]json.RawMessage) error) error {
	err := retry.Do(
		func() error {
			doc, gen, err := g.read(ctx)
			if err != nil {
				return err
			}
			if err := mutate(doc); err != nil {
				return retry.Unrecoverable(err)
			}
			return g.write(ctx, doc, gen)
		},
		retryOptions(ctx, g.logger, op, g.object)...,
	)
	if err != nil {
		return fmt.Errorf("%s after retries: %w", op, err)
	}
	return nil
}

// Get implements Backend.
func (g *GCS) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	var doc map[string]json.RawMessage
	err := retry.Do(
		func() error {
			var err error
			doc, _, err = g.read(ctx)
			return err
		},
		retryOptions(ctx, g.logger, "load", g.object)...,
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Set implements Backend. Values must be JSON.
func (g *GCS) Set(ctx context.Context, values map[string][]byte) error {
	return g.update(ctx, "save", func(doc map[string]json.RawMessage) error {
		for k, v := range values {
			if !json.Valid(v) {
				return fmt.Errorf("value for %q is not JSON", k)
			}
			doc[k] = v
		}
		return nil
	})
}

// Remove implements Backend.
func (g *GCS) Remove(ctx context.Context, keys ...string) error {
	return g.update(ctx, "delete", func(doc map[string]json.RawMessage) error {
		for _, k := range keys {
			delete(doc, k)
		}
		return nil
	})
}
