package reconcile

import (
	"bufio"
	"encoding/csv"
	"os"
	"path/filepath"
	"time"
)

var auditCols = []string{"run_id", "at", "key", "sku", "listing_id", "action", "rule", "record_id", "conflict", "error"}

// ───────── Audit CSV (append-only; fsync) ─────────

func ensureAuditHeader(path string) error {
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	// UTF-8 BOM for Excel
	if _, err := f.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		f.Close()
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(auditCols); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// AppendAudit appends one row per outcome to the audit CSV at path, creating it
// with a header on first use.
func AppendAudit(path, runID string, at time.Time, outcomes []Outcome) error {
	if path == "" || len(outcomes) == 0 {
		return nil
	}
	if err := ensureAuditHeader(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	bufw := bufio.NewWriterSize(f, 1<<16)
	w := csv.NewWriter(bufw)
	ts := at.UTC().Format(time.RFC3339)
	for _, o := range outcomes {
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		rec := []string{runID, ts, o.Key, o.SKU, o.ListingID, string(o.Action), o.Rule, o.RecordID, o.Conflict, errText}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}
