package recorder

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	_ Recorder = Noop{}
	_ Recorder = (*Memory)(nil)
	_ Recorder = (*Postgres)(nil)
)

func TestMemoryRecordsCalls(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.SessionQueued(ctx, QueuedSession{SessionKey: "sess-1", RequesterID: "user_1", JobID: "proof_1"})
	m.UpdateSession(ctx, "sess-1", map[string]any{"status": "processing", "progress": 10})
	m.RecordEvent(ctx, "sess-1", "proof_ready", map[string]any{"blob_id": "b1"})
	m.RecordEvent(ctx, "sess-2", "proof_failed", nil)
	m.UpsertArtifacts(ctx, "sess-1", Artifacts{ProofBlobID: "b1", ElfBlobID: "b2"})
	m.UpsertArtifacts(ctx, "sess-1", Artifacts{ProofBlobID: "b3", ElfBlobID: "b4"})

	if len(m.Queued) != 1 || m.Queued[0].JobID != "proof_1" {
		t.Fatalf("unexpected queued sessions %+v", m.Queued)
	}
	if len(m.Updates) != 1 || m.Updates[0].Fields["progress"] != 10 {
		t.Fatalf("unexpected updates %+v", m.Updates)
	}
	if got := m.EventTypes("sess-1"); len(got) != 1 || got[0] != "proof_ready" {
		t.Fatalf("unexpected events for sess-1: %v", got)
	}
	// Repeated upserts overwrite, they never duplicate.
	if a := m.Artifacts["sess-1"]; a.ProofBlobID != "b3" || a.ElfBlobID != "b4" {
		t.Fatalf("unexpected artifacts %+v", a)
	}
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("CS_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set CS_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()
	ctx := context.Background()

	key := "cs-test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	p.SessionQueued(ctx, QueuedSession{SessionKey: key, RequesterID: "user_1", JobID: "proof_1", QueueLength: 1})
	p.UpdateSession(ctx, key, map[string]any{"status": "completed", "progress": 100})
	p.RecordEvent(ctx, key, "proof_ready", map[string]any{"blob_id": "b1"})
	p.UpsertArtifacts(ctx, key, Artifacts{ProofBlobID: "b1", ElfBlobID: "b2", CLICommand: "soundness-cli send"})
	p.UpsertArtifacts(ctx, key, Artifacts{ProofBlobID: "b3", ElfBlobID: "b4"})

	var status string
	var progress int
	if err := p.db.QueryRowContext(ctx,
		`SELECT status, progress FROM verification_sessions WHERE session_key=$1`, key).
		Scan(&status, &progress); err != nil {
		t.Fatalf("read back session: %v", err)
	}
	if status != "completed" || progress != 100 {
		t.Fatalf("session status=%s progress=%d", status, progress)
	}
	var proofBlob string
	if err := p.db.QueryRowContext(ctx,
		`SELECT a.proof_blob_id FROM proof_artifacts a
         JOIN verification_sessions s ON s.id = a.session_id
         WHERE s.session_key=$1`, key).Scan(&proofBlob); err != nil {
		t.Fatalf("read back artifacts: %v", err)
	}
	if proofBlob != "b3" {
		t.Fatalf("artifact upsert did not overwrite, got %s", proofBlob)
	}
}
