package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func appendWidgets(t *testing.T, log *MemoryLog, n int) {
	t.Helper()
	var batch []Entry
	for k := 0; k < n; k++ {
		batch = append(batch, Entry{
			ID:         fmt.Sprintf("e%03d", k),
			EntityType: "widget",
			EntityID:   fmt.Sprintf("w%d", k%3),
			Operation:  OpModified,
			Snapshot:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, k)),
			OccurredAt: fixedNow,
		})
	}
	if _, err := log.AppendBatch(context.Background(), batch); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
}

func tamper(log *MemoryLog, seq int64, fn func(*Entry)) {
	log.mu.Lock()
	defer log.mu.Unlock()
	for i := range log.entries {
		if log.entries[i].Seq == seq {
			fn(&log.entries[i])
		}
	}
}

func TestVerifyIntactChain(t *testing.T) {
	log := NewMemoryLog()
	appendWidgets(t, log, 4)
	appendWidgets(t, log, 3)

	report, err := Verify(context.Background(), log)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK || report.Checked != 7 || report.Head == "" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestVerifyDetectsEdits(t *testing.T) {
	cases := map[string]func(*Entry){
		"snapshot": func(e *Entry) { e.Snapshot = json.RawMessage(`{"n":999}`) },
		"actor":    func(e *Entry) { e.ActorUserID = "mallory" },
		"relink":   func(e *Entry) { e.PrevChecksum = "" },
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			log := NewMemoryLog()
			appendWidgets(t, log, 5)
			tamper(log, 3, edit)

			report, err := Verify(context.Background(), log)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if report.OK || report.BrokenAt != 3 || report.Checked != 2 {
				t.Fatalf("unexpected report: %+v", report)
			}
		})
	}
}

func TestVerifyChainDetectsDeletion(t *testing.T) {
	log := NewMemoryLog()
	appendWidgets(t, log, 3)
	entries, _ := log.ChainPage(context.Background(), 0, 10)
	_, err := VerifyChain("", append(entries[:1], entries[2:]...))
	var broken *BrokenLinkError
	if !errors.Is(err, ErrChainBroken) || !errors.As(err, &broken) || broken.Seq != 3 {
		t.Fatalf("expected break at seq 3, got %v", err)
	}
}

func TestMemoryLogListing(t *testing.T) {
	log := NewMemoryLog()
	appendWidgets(t, log, 7)

	res, err := log.ListAudit(context.Background(), Filter{EntityID: "w1", Limit: 2})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if res.Total != 2 || len(res.Entries) != 2 || res.Entries[0].Seq != 5 {
		t.Fatalf("unexpected page: %+v", res)
	}
	res, _ = log.ListAudit(context.Background(), Filter{Offset: 10})
	if res.Total != 7 || len(res.Entries) != 0 || res.Entries == nil {
		t.Fatalf("expected empty page past end: %+v", res)
	}
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{Limit: 0, Offset: -4, EntityType: " user "}.Normalize()
	if f.Limit != DefaultListLimit || f.Offset != 0 || f.EntityType != "user" {
		t.Fatalf("unexpected defaults: %+v", f)
	}
	if got := (Filter{Limit: 10_000}).Normalize().Limit; got != MaxListLimit {
		t.Fatalf("expected clamp to %d, got %d", MaxListLimit, got)
	}
	if !OpDeleted.Valid() || Operation("x").Valid() {
		t.Fatal("unexpected operation validity")
	}
}
