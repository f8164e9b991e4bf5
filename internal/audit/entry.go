package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Operation is the kind of change recorded for an entity.
type Operation string

const (
	OpCreated  Operation = "created"
	OpModified Operation = "modified"
	OpDeleted  Operation = "deleted"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreated, OpModified, OpDeleted:
		return true
	}
	return false
}

// Entity is anything the unit of work can track. Fields that must never reach
// the audit trail (password digests, token hashes) are tagged `json:"-"`.
type Entity interface {
	AuditType() string
	AuditID() string
}

// Change is one tracked write awaiting commit.
type Change struct {
	Op     Operation
	Entity Entity
}

// Entry is a persisted audit row.
type Entry struct {
	Seq          int64           `json:"seq"`
	ID           string          `json:"id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Operation    Operation       `json:"operation"`
	Snapshot     json.RawMessage `json:"snapshot"`
	ActorUserID  string          `json:"actor_user_id,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
	PrevChecksum string          `json:"prev_checksum"`
	Checksum     string          `json:"checksum"`
}

// ComputeChecksum hashes the entry content together with the previous checksum.
func (e Entry) ComputeChecksum(prev string) string {
	h := sha256.New()
	for _, part := range []string{
		prev,
		e.ID,
		e.EntityType,
		e.EntityID,
		string(e.Operation),
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.ActorUserID,
		e.RequestID,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(e.Snapshot)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal links the entry to prev and fills its checksum.
func (e *Entry) Seal(prev string) {
	e.PrevChecksum = prev
	e.Checksum = e.ComputeChecksum(prev)
}

// ErrChainBroken reports a gap or an edited row in the audit trail.
var ErrChainBroken = errors.New("audit: hash chain broken")

// ErrWriteDegraded is returned by the interceptor when audit rows could not be
// written after the business commit succeeded. Callers log it and carry on.
var ErrWriteDegraded = errors.New("audit: write degraded")

// VerifyChain checks that entries (ordered by Seq) form an unbroken chain
// starting from prev. It returns the checksum of the last entry.
func VerifyChain(prev string, entries []Entry) (string, error) {
	for _, e := range entries {
		if e.PrevChecksum != prev {
			return prev, &BrokenLinkError{Seq: e.Seq, Reason: "previous checksum mismatch"}
		}
		if e.ComputeChecksum(prev) != e.Checksum {
			return prev, &BrokenLinkError{Seq: e.Seq, Reason: "content checksum mismatch"}
		}
		prev = e.Checksum
	}
	return prev, nil
}

// BrokenLinkError locates the first entry failing verification.
type BrokenLinkError struct {
	Seq    int64
	Reason string
}

func (e *BrokenLinkError) Error() string {
	return "audit: hash chain broken at seq " + strconv.FormatInt(e.Seq, 10) + ": " + e.Reason
}

func (e *BrokenLinkError) Unwrap() error { return ErrChainBroken }

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Filter narrows an audit listing. Zero values match everything.
type Filter struct {
	EntityType  string
	EntityID    string
	ActorUserID string
	Limit       int
	Offset      int
}

// Normalize clamps paging and trims the match fields.
func (f Filter) Normalize() Filter {
	f.EntityType = strings.TrimSpace(f.EntityType)
	f.EntityID = strings.TrimSpace(f.EntityID)
	f.ActorUserID = strings.TrimSpace(f.ActorUserID)
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Entry) bool {
	return (f.EntityType == "" || f.EntityType == e.EntityType) &&
		(f.EntityID == "" || f.EntityID == e.EntityID) &&
		(f.ActorUserID == "" || f.ActorUserID == e.ActorUserID)
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Writer appends sealed entries. Implementations serialise appends so the chain
// stays linear and assign Seq, PrevChecksum and Checksum.
type Writer interface {
	AppendBatch(ctx context.Context, entries []Entry) ([]Entry, error)
}

// Reader lists and walks the trail.
type Reader interface {
	ListAudit(ctx context.Context, f Filter) (ListResult, error)
	// ChainPage returns up to limit entries with Seq > afterSeq in ascending order.
	ChainPage(ctx context.Context, afterSeq int64, limit int) ([]Entry, error)
}

// VerifyReport summarises a full-trail verification.
type VerifyReport struct {
	Checked  int    `json:"checked"`
	OK       bool   `json:"ok"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Head     string `json:"head,omitempty"`
}

// Verify walks the whole trail page by page.
func Verify(ctx context.Context, r Reader) (VerifyReport, error) {
	const page = 500
	var (
		report VerifyReport
		prev   string
		after  int64
	)
	for {
		entries, err := r.ChainPage(ctx, after, page)
		if err != nil {
			return report, err
		}
		head, err := VerifyChain(prev, entries)
		var broken *BrokenLinkError
		if errors.As(err, &broken) {
			report.BrokenAt, report.Reason = broken.Seq, broken.Reason
			for _, e := range entries {
				if e.Seq < broken.Seq {
					report.Checked++
				}
			}
			return report, nil
		}
		report.Checked += len(entries)
		prev = head
		if len(entries) < page {
			report.OK, report.Head = true, head
			return report, nil
		}
		after = entries[len(entries)-1].Seq
	}
}
