package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nonce-ns/connectsphere-soundness-poc/db/migrations"
)

// Postgres persists sessions, events, and artifact metadata. It applies the
// embedded migrations on construction and caches session-key to row-id
// lookups so event inserts resolve each session once.
type Postgres struct {
	db *sql.DB

	mu         sync.Mutex
	sessionIDs map[string]string
}

func NewPostgres(dsn string) (*Postgres, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	p := &Postgres{db: db, sessionIDs: make(map[string]string)}
	if err := p.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) SessionQueued(ctx context.Context, s QueuedSession) {
	_, err := p.db.ExecContext(ctx, `
        INSERT INTO verification_sessions
            (id, session_key, requester_id, wallet_address, email_domain, job_id, status, queue_position, queue_length)
        VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7, $8)
        ON CONFLICT (session_key) DO UPDATE SET
            requester_id = EXCLUDED.requester_id,
            wallet_address = EXCLUDED.wallet_address,
            email_domain = EXCLUDED.email_domain,
            job_id = EXCLUDED.job_id,
            status = 'queued',
            progress = 0,
            error = NULL,
            queue_position = EXCLUDED.queue_position,
            queue_length = EXCLUDED.queue_length,
            updated_at = now()`,
		uuid.NewString(), s.SessionKey, s.RequesterID, nullable(s.WalletAddress),
		nullable(s.EmailDomain), nullable(s.JobID), s.QueuePosition, s.QueueLength)
	if err != nil {
		log.Printf("recorder: session queued upsert failed for %s: %v", s.SessionKey, err)
	}
}

// sessionColumns is the set of fields UpdateSession accepts; anything else
// is dropped with a log line rather than interpolated into SQL.
var sessionColumns = map[string]bool{
	"status":         true,
	"progress":       true,
	"error":          true,
	"job_id":         true,
	"queue_position": true,
	"queue_length":   true,
}

func (p *Postgres) UpdateSession(ctx context.Context, sessionKey string, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if !sessionColumns[name] {
			log.Printf("recorder: ignoring unknown session field %q", name)
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, fields[name])
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, sessionKey)

	query := fmt.Sprintf(`UPDATE verification_sessions SET %s WHERE session_key = $%d`,
		strings.Join(sets, ", "), len(args))
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		log.Printf("recorder: session update failed for %s: %v", sessionKey, err)
	}
}

func (p *Postgres) RecordEvent(ctx context.Context, sessionKey, eventType string, payload map[string]any) {
	sessionID, err := p.resolveSessionID(ctx, sessionKey)
	if err != nil {
		log.Printf("recorder: cannot record %s event for %s: %v", eventType, sessionKey, err)
		return
	}
	var payloadJSON any
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Printf("recorder: cannot encode %s event payload for %s: %v", eventType, sessionKey, err)
		} else {
			payloadJSON = string(b)
		}
	}
	_, err = p.db.ExecContext(ctx, `
        INSERT INTO verification_events (id, session_id, event_type, payload)
        VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), sessionID, eventType, payloadJSON)
	if err != nil {
		log.Printf("recorder: event insert failed for %s/%s: %v", sessionKey, eventType, err)
	}
}

func (p *Postgres) UpsertArtifacts(ctx context.Context, sessionKey string, a Artifacts) {
	sessionID, err := p.resolveSessionID(ctx, sessionKey)
	if err != nil {
		log.Printf("recorder: cannot upsert artifacts for %s: %v", sessionKey, err)
		return
	}
	_, err = p.db.ExecContext(ctx, `
        INSERT INTO proof_artifacts (session_id, proof_blob_id, elf_blob_id, cli_command, proof_size, elf_size)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (session_id) DO UPDATE SET
            proof_blob_id = EXCLUDED.proof_blob_id,
            elf_blob_id = EXCLUDED.elf_blob_id,
            cli_command = EXCLUDED.cli_command,
            proof_size = EXCLUDED.proof_size,
            elf_size = EXCLUDED.elf_size,
            uploaded_at = now()`,
		sessionID, a.ProofBlobID, a.ElfBlobID, nullable(a.CLICommand), a.ProofSize, a.ElfSize)
	if err != nil {
		log.Printf("recorder: artifact upsert failed for %s: %v", sessionKey, err)
	}
}

func (p *Postgres) resolveSessionID(ctx context.Context, sessionKey string) (string, error) {
	p.mu.Lock()
	if id, ok := p.sessionIDs[sessionKey]; ok {
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	var id string
	err := p.db.QueryRowContext(ctx,
		`SELECT id FROM verification_sessions WHERE session_key = $1`, sessionKey).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("resolve session %s: %w", sessionKey, err)
	}
	p.mu.Lock()
	p.sessionIDs[sessionKey] = id
	p.mu.Unlock()
	return id, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
