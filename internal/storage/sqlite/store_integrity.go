package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/framelog/framelog/internal/schema"
)

// Violation describes one integrity problem found by VerifyIntegrity.
type Violation struct {
	SessionID string
	// Seq is the offending event sequence, or the snapshot's event pointer.
	Seq    uint64
	Record string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s seq=%d: %s", v.SessionID, v.Record, v.Seq, v.Detail)
}

// VerifyIntegrity scans stored documents against the current schema registry
// and checks snapshot-to-event linkage. It reports violations rather than
// failing on the first one.
func (s *Store) VerifyIntegrity(ctx context.Context) ([]Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	var violations []Violation

	sessions, err := s.ListSessions(ctx, 10000)
	if err != nil {
		return nil, err
	}

	for _, session := range sessions {
		events, err := s.ReadRange(ctx, session.ID, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}

		var prevSeq uint64
		var prevTS int64
		for _, evt := range events {
			if evt.Seq != prevSeq+1 {
				violations = append(violations, Violation{
					SessionID: session.ID, Seq: evt.Seq, Record: "event",
					Detail: fmt.Sprintf("sequence gap after %d", prevSeq),
				})
			}
			prevSeq = evt.Seq

			ts := evt.Timestamp.UnixMilli()
			if ts < prevTS {
				violations = append(violations, Violation{
					SessionID: session.ID, Seq: evt.Seq, Record: "event",
					Detail: "timestamp decreases from previous event",
				})
			}
			prevTS = ts

			kind, ok := schema.KindForEvent(evt.Type)
			if !ok {
				violations = append(violations, Violation{
					SessionID: session.ID, Seq: evt.Seq, Record: "event",
					Detail: fmt.Sprintf("unknown event type %q", evt.Type),
				})
				continue
			}
			if _, err := s.registry.Validate(kind, evt.SchemaVersion, evt.PayloadJSON); err != nil {
				violations = append(violations, Violation{
					SessionID: session.ID, Seq: evt.Seq, Record: "event",
					Detail: err.Error(),
				})
			}
		}

		snapshots, err := s.ListSnapshots(ctx, session.ID, 10000)
		if err != nil {
			return nil, err
		}
		lastSeq := prevSeq
		for _, snap := range snapshots {
			if snap.EventSeq == 0 && lastSeq > 0 {
				violations = append(violations, Violation{
					SessionID: session.ID, Seq: snap.EventSeq, Record: "snapshot",
					Detail: fmt.Sprintf("zero event pointer in a session with %d committed events", lastSeq),
				})
			}
			if snap.EventSeq > lastSeq {
				violations = append(violations, Violation{
					SessionID: session.ID, Seq: snap.EventSeq, Record: "snapshot",
					Detail: fmt.Sprintf("dangling event pointer (last committed seq %d)", lastSeq),
				})
			}
			if _, err := s.registry.Validate(schema.KindSnapshot, snap.SchemaVersion, snap.StateJSON); err != nil {
				violations = append(violations, Violation{
					SessionID: session.ID, Seq: snap.EventSeq, Record: "snapshot",
					Detail: err.Error(),
				})
			}
		}
	}

	return violations, nil
}
