// Package transfer records uploads and downloads against a connection's
// file area, each with a BLAKE3 content checksum.
package transfer

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/koltyakov/deskrelay/internal/activity"
	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/filestore"
	ilog "github.com/koltyakov/deskrelay/internal/log"
	"github.com/koltyakov/deskrelay/internal/metrics"
)

// Store is the persistence the tracker needs.
type Store interface {
	CreateTransfer(ctx context.Context, rec *domain.TransferRecord, note *domain.ActivityEntry) error
	ListTransfers(ctx context.Context, connectionID string) ([]domain.TransferRecord, error)
}

// Connections resolves connections and enforces the active requirement.
type Connections interface {
	Get(ctx context.Context, id string) (domain.Connection, error)
	RequireActive(ctx context.Context, id string) (domain.Connection, error)
}

// Files is the file area the tracker reads from and writes to.
type Files interface {
	Save(ctx context.Context, connectionID, filename string, r io.Reader) (string, int64, error)
	Open(ctx context.Context, connectionID, path string) (filestore.File, domain.FileEntry, error)
	List(ctx context.Context, connectionID string) ([]domain.FileEntry, error)
	Remove(ctx context.Context, connectionID, name string) error
}

// Download is a recorded download ready to stream. The caller must close
// File.
type Download struct {
	Record   domain.TransferRecord
	Filename string
	File     filestore.File
}

// Tracker is safe for concurrent use.
type Tracker struct {
	store       Store
	connections Connections
	files       Files
	activity    *activity.Logger
	log         *slog.Logger
}

// New wires a Tracker.
func New(store Store, connections Connections, files Files, act *activity.Logger, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:       store,
		connections: connections,
		files:       files,
		activity:    act,
		log:         ilog.OrDiscard(logger),
	}
}

// Checksum returns the hex BLAKE3-256 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RecordUpload stores the bytes of r as filename for an active connection
// and records the transfer with the checksum of exactly the stored bytes.
func (t *Tracker) RecordUpload(ctx context.Context, connectionID, filename string, r io.Reader) (domain.TransferRecord, error) {
	if _, err := t.connections.RequireActive(ctx, connectionID); err != nil {
		return domain.TransferRecord{}, err
	}

	hasher := blake3.New()
	name, size, err := t.files.Save(ctx, connectionID, filename, io.TeeReader(r, hasher))
	if err != nil {
		return domain.TransferRecord{}, err
	}
	rec := domain.TransferRecord{
		ConnectionID: connectionID,
		Filename:     name,
		Size:         size,
		Type:         domain.TransferUpload,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
	}
	if err := t.persist(ctx, &rec, domain.ActionFileUploaded); err != nil {
		// An upload without a transfer record must not stay in the file area.
		if rmErr := t.files.Remove(context.WithoutCancel(ctx), connectionID, name); rmErr != nil {
			t.log.Warn("remove unrecorded upload", "connection_id", connectionID, "filename", name, "err", rmErr)
		}
		return domain.TransferRecord{}, err
	}
	return rec, nil
}

// RecordDownload resolves path in the connection's file area, records the
// download with the file's checksum, and returns the file rewound for
// streaming.
func (t *Tracker) RecordDownload(ctx context.Context, connectionID, path string) (Download, error) {
	if _, err := t.connections.RequireActive(ctx, connectionID); err != nil {
		return Download{}, err
	}

	f, entry, err := t.files.Open(ctx, connectionID, path)
	if err != nil {
		return Download{}, err
	}
	hasher := blake3.New()
	size, err := io.Copy(hasher, f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		return Download{}, domain.Wrap("record download", connectionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, err))
	}

	rec := domain.TransferRecord{
		ConnectionID: connectionID,
		Filename:     entry.Path,
		Size:         size,
		Type:         domain.TransferDownload,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
	}
	if err := t.persist(ctx, &rec, domain.ActionFileDownloaded); err != nil {
		_ = f.Close()
		return Download{}, err
	}
	return Download{Record: rec, Filename: entry.Name, File: f}, nil
}

func (t *Tracker) persist(ctx context.Context, rec *domain.TransferRecord, action domain.Action) error {
	note, err := t.activity.Entry(rec.ConnectionID, action,
		fmt.Sprintf("%s (%d bytes, blake3 %s)", rec.Filename, rec.Size, shortSum(rec.Checksum)))
	if err != nil {
		return err
	}
	if err := t.store.CreateTransfer(ctx, rec, note); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Wrap("record transfer", rec.ConnectionID, domain.ErrNotFound)
		}
		return domain.Wrap("record transfer", rec.ConnectionID, err)
	}

	metrics.TransfersTotal.WithLabelValues(string(rec.Type)).Inc()
	metrics.TransferBytesTotal.WithLabelValues(string(rec.Type)).Add(float64(rec.Size))
	t.activity.Recorded(*note)
	t.log.Info("transfer recorded",
		"connection_id", rec.ConnectionID,
		"type", string(rec.Type),
		"filename", rec.Filename,
		"size", rec.Size,
		"checksum", rec.Checksum,
	)
	return nil
}

// History returns the transfers of an existing connection in ascending time
// order.
func (t *Tracker) History(ctx context.Context, connectionID string) ([]domain.TransferRecord, error) {
	if _, err := t.connections.Get(ctx, connectionID); err != nil {
		return nil, err
	}
	out, err := t.store.ListTransfers(ctx, connectionID)
	if err != nil {
		return nil, domain.Wrap("transfer history", connectionID, err)
	}
	if out == nil {
		out = []domain.TransferRecord{}
	}
	return out, nil
}

// ListFiles returns the files available for an active connection.
func (t *Tracker) ListFiles(ctx context.Context, connectionID string) ([]domain.FileEntry, error) {
	if _, err := t.connections.RequireActive(ctx, connectionID); err != nil {
		return nil, err
	}
	return t.files.List(ctx, connectionID)
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
