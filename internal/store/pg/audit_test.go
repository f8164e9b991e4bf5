package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
)

var auditRowColumns = []string{"seq", "id", "entity_type", "entity_id", "operation", "snapshot", "actor_user_id", "request_id", "occurred_at", "prev_checksum", "checksum"}

func TestAppendBatchChainsUnderAdvisoryLock(t *testing.T) {
	store, mock, hook := newMockStore(t)
	entries := []audit.Entry{
		{ID: "e1", EntityType: "user", EntityID: "u1", Operation: audit.OpCreated, Snapshot: json.RawMessage(`{"id":"u1"}`), ActorUserID: "u1", OccurredAt: testNow},
		{ID: "e2", EntityType: "user_role", EntityID: "u1:user", Operation: audit.OpCreated, Snapshot: json.RawMessage(`{}`), OccurredAt: testNow},
	}

	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock\\(\\$1\\)").WithArgs(auditLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select checksum from audit_log order by seq desc limit 1").
		WillReturnRows(sqlmock.NewRows([]string{"checksum"}).AddRow("prev-head"))
	mock.ExpectQuery("insert into audit_log").
		WithArgs("e1", "user", "u1", "created", []byte(`{"id":"u1"}`), sqlmock.AnyArg(), sqlmock.AnyArg(), testNow, "prev-head", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(41))
	mock.ExpectQuery("insert into audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(42))
	mock.ExpectCommit()

	out, err := store.AppendBatch(context.Background(), entries)
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if out[0].Seq != 41 || out[1].Seq != 42 {
		t.Fatalf("unexpected seqs: %d %d", out[0].Seq, out[1].Seq)
	}
	if _, err := audit.VerifyChain("prev-head", out); err != nil {
		t.Fatalf("appended batch does not verify: %v", err)
	}
	if len(hook.calls) != 0 {
		t.Fatal("audit writes must not be tracked")
	}
	expectationsMet(t, mock)
}

func TestAppendBatchFailureRollsBack(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select checksum from audit_log").WillReturnRows(sqlmock.NewRows([]string{"checksum"}))
	mock.ExpectQuery("insert into audit_log").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := store.AppendBatch(context.Background(), []audit.Entry{{ID: "e1", Operation: audit.OpCreated, OccurredAt: testNow}})
	if !errors.Is(err, auth.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestListAuditBuildsFilter(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectQuery("select count\\(\\*\\) from audit_log where entity_type = \\$1 and entity_id = \\$2").
		WithArgs("bank_account", "a1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("select seq, .* from audit_log where entity_type = \\$1 and entity_id = \\$2 order by seq desc limit \\$3 offset \\$4").
		WithArgs("bank_account", "a1", 50, 0).
		WillReturnRows(sqlmock.NewRows(auditRowColumns).
			AddRow(int64(7), "e7", "bank_account", "a1", "deleted", []byte(`{"id":"a1"}`), "u1", "req-1", testNow, "p", "c"))

	res, err := store.ListAudit(context.Background(), audit.Filter{EntityType: "bank_account", EntityID: "a1"})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if res.Total != 1 || res.Limit != 50 || len(res.Entries) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	e := res.Entries[0]
	if e.Operation != audit.OpDeleted || string(e.Snapshot) != `{"id":"a1"}` || e.RequestID != "req-1" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	expectationsMet(t, mock)
}

func TestChainPageFeedsVerify(t *testing.T) {
	store, mock, _ := newMockStore(t)
	first := audit.Entry{Seq: 1, ID: "e1", EntityType: "user", EntityID: "u1", Operation: audit.OpCreated, Snapshot: json.RawMessage(`{}`), OccurredAt: testNow}
	first.Seal("")
	second := audit.Entry{Seq: 2, ID: "e2", EntityType: "user", EntityID: "u1", Operation: audit.OpModified, Snapshot: json.RawMessage(`{"status":"disabled"}`), OccurredAt: testNow}
	second.Seal(first.Checksum)

	rows := sqlmock.NewRows(auditRowColumns)
	for _, e := range []audit.Entry{first, second} {
		rows.AddRow(e.Seq, e.ID, e.EntityType, e.EntityID, string(e.Operation), []byte(e.Snapshot), "", "", e.OccurredAt, e.PrevChecksum, e.Checksum)
	}
	mock.ExpectQuery("select seq, .* from audit_log where seq > \\$1 order by seq limit \\$2").
		WithArgs(int64(0), 500).
		WillReturnRows(rows)

	report, err := audit.Verify(context.Background(), store)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK || report.Checked != 2 || report.Head != second.Checksum {
		t.Fatalf("unexpected report: %+v", report)
	}
	expectationsMet(t, mock)
}
