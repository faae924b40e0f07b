// Package query implements every derived, read-only view over the
// receipts table: inbox, timeline, delegation children, provenance
// chain, and derived task status. None of it mutates state, and none
// of it is itself a source of truth — internal/ledger owns that. A
// query without a resolved tenant is a programmer error, not a
// runtime condition this package handles; callers (internal/httpapi)
// enforce that via internal/tenant before ever reaching here.
package query

import (
	"context"
	"database/sql"
	"errors"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/ids"
	"github.com/PStryder/legivellum/internal/ledger"
	"github.com/PStryder/legivellum/internal/receipts"
)

// dbHandle is the subset of *pgstore.Pool (or a go-sqlmock *sql.DB)
// Queries needs.
type dbHandle interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries answers every derived read over the receipts table.
type Queries struct {
	db       dbHandle
	depthCap int
}

// New creates a Queries. depthCap bounds Chain traversal (spec's
// query_depth_cap, default 1000); a value <= 0 falls back to 1000.
func New(db dbHandle, depthCap int) *Queries {
	if depthCap <= 0 {
		depthCap = 1000
	}
	return &Queries{db: db, depthCap: depthCap}
}

// Inbox returns accepted, unarchived receipts addressed to recipientAI,
// newest first. Callers should consult internal/querycache before
// falling back to this.
func (q *Queries) Inbox(ctx context.Context, tenantID, recipientAI string, limit int) ([]*receipts.Receipt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx,
		ledger.SelectColumns+` FROM receipts
		WHERE tenant_id = $1 AND recipient_ai = $2 AND phase = 'accepted' AND archived_at IS NULL
		ORDER BY stored_at DESC
		LIMIT $3`,
		tenantID, recipientAI, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "query inbox")
	}
	return scanAll(rows)
}

// Timeline returns every receipt for taskID, in stored_at/created_at
// order.
func (q *Queries) Timeline(ctx context.Context, tenantID string, taskID string) ([]*receipts.Receipt, error) {
	rows, err := q.db.QueryContext(ctx,
		ledger.SelectColumns+` FROM receipts
		WHERE tenant_id = $1 AND task_id = $2
		ORDER BY stored_at ASC, created_at ASC`,
		tenantID, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "query timeline")
	}
	return scanAll(rows)
}

// Children returns every receipt whose parent_task_id matches
// parentTaskID — the delegation tree spec.md §4.6 calls children.
func (q *Queries) Children(ctx context.Context, tenantID, parentTaskID string) ([]*receipts.Receipt, error) {
	rows, err := q.db.QueryContext(ctx,
		ledger.SelectColumns+` FROM receipts
		WHERE tenant_id = $1 AND parent_task_id = $2
		ORDER BY stored_at ASC`,
		tenantID, parentTaskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "query children")
	}
	return scanAll(rows)
}

// errCycleDetected guards against a caused_by_receipt_id loop, which
// the data model forbids by construction (a receipt can't cause
// itself or an ancestor) but Chain defends against anyway.
var errCycleDetected = errors.New("provenance cycle detected")

// Chain walks the provenance graph around receiptID in both directions:
// the receipts it was caused by (its parent, and that parent's parent,
// recursively up) and every receipt it in turn caused (its children,
// recursively down), via an explicit worklist
// and a visited set rather than a recursive SQL CTE — this keeps the
// depth cap and cycle defense in Go, where spec.md §8 scenario 6's
// "structured continuation marker, never a stack overflow" is easy to
// unit test directly. Returns the chain in stored_at order plus
// whether the walk was truncated by the depth cap.
func (q *Queries) Chain(ctx context.Context, tenantID string, receiptID ids.ID) ([]*receipts.Receipt, bool, error) {
	root, err := q.getReceipt(ctx, tenantID, receiptID)
	if err != nil {
		return nil, false, err
	}

	visited := map[ids.ID]bool{root.ReceiptID: true}
	found := []*receipts.Receipt{root}
	worklist := []*receipts.Receipt{root}
	truncated := false

	for len(worklist) > 0 {
		if len(visited) >= q.depthCap {
			truncated = len(worklist) > 0
			break
		}

		current := worklist[0]
		worklist = worklist[1:]

		neighbors, err := q.neighbors(ctx, tenantID, current, visited)
		if err != nil {
			return nil, false, err
		}

		for _, n := range neighbors {
			if visited[n.ReceiptID] {
				return nil, false, apperr.Wrap(apperr.KindInternal, errCycleDetected, "provenance chain")
			}
			if len(visited) >= q.depthCap {
				truncated = true
				break
			}
			visited[n.ReceiptID] = true
			found = append(found, n)
			worklist = append(worklist, n)
		}
	}

	sortByStoredAt(found)
	return found, truncated, nil
}

// neighbors returns r's parent (the receipt it was caused by, if any
// and not already visited) and its children (receipts caused by r) that
// are not already visited.
// visited lets a node already in the walk skip a redundant fetch — not
// just an optimization: it is what keeps a legitimate diamond in the
// provenance graph (two children sharing a grandparent) from issuing
// the same lookup twice.
func (q *Queries) neighbors(ctx context.Context, tenantID string, r *receipts.Receipt, visited map[ids.ID]bool) ([]*receipts.Receipt, error) {
	var out []*receipts.Receipt

	if r.CausedByReceiptID != "" && r.CausedByReceiptID != receipts.SentinelNA {
		parentID, err := ids.Parse(r.CausedByReceiptID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "parse caused_by_receipt_id")
		}
		if !visited[parentID] {
			parent, err := q.getReceipt(ctx, tenantID, parentID)
			if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
				return nil, err
			}
			if err == nil {
				out = append(out, parent)
			}
		}
	}

	rows, err := q.db.QueryContext(ctx,
		ledger.SelectColumns+` FROM receipts
		WHERE tenant_id = $1 AND caused_by_receipt_id = $2
		ORDER BY stored_at ASC`,
		tenantID, r.ReceiptID.String())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "query chain children")
	}
	children, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if !visited[c.ReceiptID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (q *Queries) getReceipt(ctx context.Context, tenantID string, receiptID ids.ID) (*receipts.Receipt, error) {
	row := q.db.QueryRowContext(ctx, ledger.SelectColumns+` FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`,
		tenantID, receiptID.String())
	r, err := ledger.ScanReceipt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "receipt not found")
		}
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "get receipt")
	}
	return r, nil
}

// Status is the derived task state spec.md §4.6 defines. It is never
// stored; every caller recomputes it from the phases present on the
// task's receipts.
type Status string

const (
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
	StatusOpen      Status = "open"
	StatusUnknown   Status = "unknown"
)

// TaskStatus derives taskID's status from the phases present among
// its receipts: resolved if any complete exists, else escalated if any
// escalate exists, else open if an accepted exists, else unknown.
func (q *Queries) TaskStatus(ctx context.Context, tenantID, taskID string) (Status, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT phase FROM receipts WHERE tenant_id = $1 AND task_id = $2`,
		tenantID, taskID)
	if err != nil {
		return StatusUnknown, apperr.Wrap(apperr.KindStoreUnavailable, err, "query task status")
	}
	defer rows.Close()

	var hasAccepted, hasComplete, hasEscalate bool
	for rows.Next() {
		var phase string
		if err := rows.Scan(&phase); err != nil {
			return StatusUnknown, apperr.Wrap(apperr.KindStoreUnavailable, err, "scan task status row")
		}
		switch receipts.Phase(phase) {
		case receipts.PhaseAccepted:
			hasAccepted = true
		case receipts.PhaseComplete:
			hasComplete = true
		case receipts.PhaseEscalate:
			hasEscalate = true
		}
	}
	if err := rows.Err(); err != nil {
		return StatusUnknown, apperr.Wrap(apperr.KindStoreUnavailable, err, "iterate task status rows")
	}

	switch {
	case hasComplete:
		return StatusResolved, nil
	case hasEscalate:
		return StatusEscalated, nil
	case hasAccepted:
		return StatusOpen, nil
	default:
		return StatusUnknown, nil
	}
}

func scanAll(rows *sql.Rows) ([]*receipts.Receipt, error) {
	defer rows.Close()
	var out []*receipts.Receipt
	for rows.Next() {
		r, err := ledger.ScanReceipt(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "scan receipt row")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "iterate receipt rows")
	}
	return out, nil
}

func sortByStoredAt(rs []*receipts.Receipt) {
	// Small slices (depth-capped), insertion sort keeps this dependency-free.
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].StoredAt.Before(rs[j-1].StoredAt); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}
