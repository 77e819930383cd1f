package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// ResultLister is the slice of domain.ResultStore the export needs.
type ResultLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.MatchResult, error)
}

// battleRecord is the archived object layout.
type battleRecord struct {
	MatchID    string             `json:"match_id"`
	ArchivedAt time.Time          `json:"archived_at"`
	Final      domain.BattleState `json:"final"`
}

// Archiver implements domain.BattleArchiver. Archiving never deletes
// anything from the primary store.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	results ResultLister
	audit   domain.AuditStore
	now     func() time.Time
}

// NewArchiver creates an Archiver. reader and audit may be nil; without a
// reader every ArchiveBattle call uploads.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, results ResultLister, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:  writer,
		reader:  reader,
		results: results,
		audit:   audit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var _ domain.BattleArchiver = (*Archiver)(nil)

// BattlePath is the object key for a battle that ended at t:
//
//	battles/2026/03/<matchID>.json
func BattlePath(matchID string, t time.Time) string {
	return BattlePrefix(t) + matchID + ".json"
}

// ArchiveBattle uploads the terminal snapshot with its tick history. An
// object already at the path is left alone.
func (a *Archiver) ArchiveBattle(ctx context.Context, matchID string, final domain.BattleState) (string, error) {
	at := final.StartedAt
	if final.ExitTime != nil {
		at = *final.ExitTime
	}
	path := BattlePath(matchID, at)

	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive battle %s: %w", matchID, err)
		}
		if exists {
			return path, nil
		}
	}

	data, err := json.Marshal(battleRecord{MatchID: matchID, ArchivedAt: a.now(), Final: final})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive battle %s marshal: %w", matchID, err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive battle %s upload: %w", matchID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.battle", map[string]any{
			"match_id": matchID,
			"path":     path,
			"ticks":    len(final.History),
			"result":   string(final.Result),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive battle %s audit log: %w", matchID, err)
		}
	}
	return path, nil
}

// BattlePrefix is the key prefix of every battle archived in t's month.
func BattlePrefix(t time.Time) string {
	return "battles/" + t.UTC().Format("2006/01") + "/"
}

// ListBattles returns the battles archived for the month containing month.
func (a *Archiver) ListBattles(ctx context.Context, month time.Time) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: list battles: %w", domain.ErrUnavailable)
	}
	infos, err := a.reader.List(ctx, BattlePrefix(month))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list battles %s: %w", month.UTC().Format("2006-01"), err)
	}
	return infos, nil
}

// LoadBattle reads an archived battle back.
func (a *Archiver) LoadBattle(ctx context.Context, path string) (string, domain.BattleState, error) {
	if a.reader == nil {
		return "", domain.BattleState{}, fmt.Errorf("s3blob: load battle %s: %w", path, domain.ErrUnavailable)
	}
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return "", domain.BattleState{}, err
	}
	defer body.Close()

	var rec battleRecord
	if err := json.NewDecoder(body).Decode(&rec); err != nil {
		return "", domain.BattleState{}, fmt.Errorf("s3blob: decode battle %s: %w", path, err)
	}
	return rec.MatchID, rec.Final, nil
}

// ExportPath is the object key for a results export with the given cutoff.
func ExportPath(before time.Time) string {
	return fmt.Sprintf("exports/results/%s.jsonl", before.UTC().Format("2006-01-02"))
}

// ExportResults streams every result resolved before the cutoff as JSONL
// through a multipart upload and returns how many were written.
func (a *Archiver) ExportResults(ctx context.Context, before time.Time) (int64, error) {
	results, err := a.results.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: export results query: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	pr, pw := io.Pipe()
	go func() {
		enc := json.NewEncoder(pw)
		enc.SetEscapeHTML(false)
		for i, r := range results {
			if err := enc.Encode(r); err != nil {
				pw.CloseWithError(fmt.Errorf("jsonl encode record %d: %w", i, err))
				return
			}
		}
		pw.Close()
	}()

	path := ExportPath(before)
	if err := a.writer.PutMultipart(ctx, path, pr, minPartSize); err != nil {
		pr.CloseWithError(err)
		return 0, fmt.Errorf("s3blob: export results upload: %w", err)
	}

	count := int64(len(results))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.results", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: export results audit log: %w", err)
		}
	}
	return count, nil
}
