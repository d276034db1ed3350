package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/animus-labs/jobchain/internal/repo"
)

func TestRunQueriesAreIdempotent(t *testing.T) {
	if !strings.Contains(insertRunQuery, "ON CONFLICT (run_id) DO NOTHING") {
		t.Fatalf("expected idempotent run insert")
	}
	if !strings.Contains(upsertNodeStateQuery, "ON CONFLICT (run_id, node_id) DO UPDATE") {
		t.Fatalf("expected node upsert")
	}
	if !strings.Contains(upsertNodeStateQuery, "COALESCE(job_run_node.started_at, EXCLUDED.started_at)") {
		t.Fatalf("expected started_at to be kept once set")
	}
	if !strings.Contains(saveCheckpointQuery, "ON CONFLICT (run_id, node_id) DO UPDATE") {
		t.Fatalf("expected checkpoint upsert")
	}
	if !strings.Contains(listNodesQuery, "ORDER BY node_id") {
		t.Fatalf("expected stable node ordering")
	}
}

func TestGuardedUpdates(t *testing.T) {
	if !strings.Contains(transitionRunStatusQuery, "status = ANY($3)") {
		t.Fatalf("expected status guard on run transition")
	}
	if !strings.Contains(overrideNodeQuery, "($7 = '' OR status = $7)") {
		t.Fatalf("expected status guard on node override")
	}
	if !strings.Contains(updateChainWithVersionQuery, "version = $6") || !strings.Contains(updateChainWithVersionQuery, "version = version + 1") {
		t.Fatalf("expected optimistic version check")
	}
}

func TestFilterAndPageClauses(t *testing.T) {
	enabled := true
	filter := repo.DefinitionFilter{Keyword: " nightly ", Enabled: &enabled, Offset: 20, Limit: 10}
	clauses, args := filterClauses(filter, nil)
	if strings.Join(clauses, " AND ") != "name ILIKE $1 AND enabled = $2" {
		t.Fatalf("unexpected clauses %v", clauses)
	}
	suffix, args := pageClause(filter, args)
	if suffix != " ORDER BY updated_at DESC, created_at DESC OFFSET $3 LIMIT $4" {
		t.Fatalf("unexpected suffix %q", suffix)
	}
	if len(args) != 4 || args[0] != "%nightly%" || args[2] != 20 || args[3] != 10 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("expected unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) || isUniqueViolation(errors.New("boom")) {
		t.Fatalf("unexpected unique violation")
	}
}

func TestNilStores(t *testing.T) {
	if NewRunStore(nil) != nil || NewJobStore(nil) != nil || NewChainStore(nil) != nil {
		t.Fatalf("expected nil stores for nil db")
	}
	var s *RunStore
	if _, err := s.FindRun(context.Background(), "r1"); err == nil {
		t.Fatalf("expected error from nil store")
	}
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"job_definition", "job_chain_definition", "job_run", "job_run_node", "job_run_checkpoint"} {
		if !strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("schema missing %s", table)
		}
	}
}
