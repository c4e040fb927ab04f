package workflow

import (
	"context"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/store"
)

// Journal persists transition histories so they survive restarts
type Journal struct {
	db *store.DB
}

// NewJournal creates a journal backed by db
func NewJournal(db *store.DB) *Journal {
	return &Journal{db: db}
}

// Append stores t as the next entry of jobID's history
func (j *Journal) Append(ctx context.Context, jobID string, t Transition) error {
	_, err := store.Transact(ctx, j.db, func(tx *store.Tx) (struct{}, error) {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM workflow_transitions WHERE job_id = ?`, jobID,
		).Scan(&seq); err != nil {
			return struct{}{}, errors.Wrap(errors.ErrCodeStore, "read transition sequence", err)
		}

		recovery := 0
		if t.Recovery {
			recovery = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_transitions (job_id, seq, from_phase, to_phase, recovery, reason, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			jobID, seq+1, string(t.From), string(t.To), recovery, t.Reason, store.Nanos(t.At),
		); err != nil {
			return struct{}{}, errors.Wrap(errors.ErrCodeStore, "append transition", err)
		}
		return struct{}{}, nil
	})
	return err
}

// History returns jobID's transitions in the order they happened
func (j *Journal) History(ctx context.Context, jobID string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT from_phase, to_phase, recovery, reason, at
		 FROM workflow_transitions WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "query transitions", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t        Transition
			from, to string
			recovery int
			at       int64
		)
		if err := rows.Scan(&from, &to, &recovery, &t.Reason, &at); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStore, "scan transition", err)
		}
		t.From, t.To = Phase(from), Phase(to)
		t.Recovery = recovery != 0
		t.At = store.Time(at)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, "iterate transitions", err)
	}
	return out, nil
}

// Load rebuilds jobID's state from its persisted history
func (j *Journal) Load(ctx context.Context, jobID string) (State, error) {
	history, err := j.History(ctx, jobID)
	if err != nil {
		return State{}, err
	}
	s := NewState(jobID)
	if len(history) > 0 {
		s.Current = history[len(history)-1].To
		s.History = history
	}
	return s, nil
}
