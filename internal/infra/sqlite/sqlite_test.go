package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/trialflow/trialflow/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedNetwork stores a network with n nodes and returns them.
func seedNetwork(t *testing.T, db *DB, n int) (*domain.Network, []*domain.Node) {
	t.Helper()
	ctx := context.Background()
	net := &domain.Network{TrialMakerID: "tm", Block: "A", CreatedAt: time.Now()}
	var nodes []*domain.Node
	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertNetwork(ctx, net); err != nil {
			return err
		}
		for i := range n {
			node := &domain.Node{
				NetworkID:    net.ID,
				TrialMakerID: "tm",
				Block:        "A",
				Key:          string(rune('a' + i)),
				Definition:   map[string]any{"i": i},
				CreatedAt:    time.Now(),
			}
			if err := tx.InsertNode(ctx, node); err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed network: %v", err)
	}
	return net, nodes
}

func seedParticipant(t *testing.T, db *DB, worker string) *domain.Participant {
	t.Helper()
	ctx := context.Background()
	p := domain.NewParticipant(worker, time.Now())
	if err := db.WithTx(ctx, func(tx *Tx) error { return tx.InsertParticipant(ctx, p) }); err != nil {
		t.Fatalf("InsertParticipant() error: %v", err)
	}
	return p
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *Tx) error {
		p := domain.NewParticipant("w1", time.Now())
		if err := tx.InsertParticipant(ctx, p); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	var counts ParticipantCounts
	db.View(ctx, func(tx *Tx) error {
		counts, err = tx.CountParticipants(ctx)
		return err
	})
	if counts.Total != 0 {
		t.Errorf("Total = %d, want 0 after rollback", counts.Total)
	}
}

func TestRetryConfig_BackoffDelay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.BackoffDelay(tt.attempt); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// ─── Participants ───────────────────────────────────────────────────────────

func TestParticipant_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p := seedParticipant(t, db, "w1")

	p.EltID = 4
	p.PageUUID = "u1"
	p.Vars.Set("group", "A")
	p.Module("static").Vars.Set("count", 2)
	p.BranchLog = append(p.BranchLog, domain.BranchEntry{Label: "q", Value: "yes"})
	p.TimeCredit.Increment(12)
	p.Answer = []byte(`"red"`)

	err := db.WithTx(ctx, func(tx *Tx) error { return tx.UpdateParticipant(ctx, p, "") })
	if err != nil {
		t.Fatalf("UpdateParticipant() error: %v", err)
	}

	var got *domain.Participant
	db.View(ctx, func(tx *Tx) error {
		got, err = tx.GetParticipant(ctx, p.ID)
		return err
	})
	if err != nil {
		t.Fatalf("GetParticipant() error: %v", err)
	}
	if got.EltID != 4 || got.PageUUID != "u1" {
		t.Errorf("cursor = %d/%q, want 4/u1", got.EltID, got.PageUUID)
	}
	var group string
	if ok, _ := got.Vars.Get("group", &group); !ok || group != "A" {
		t.Errorf("group = %q, want A", group)
	}
	if len(got.BranchLog) != 1 || got.BranchLog[0].Value != "yes" {
		t.Errorf("BranchLog = %v", got.BranchLog)
	}
	if got.TimeCredit.Confirmed != 12 {
		t.Errorf("Confirmed = %v, want 12", got.TimeCredit.Confirmed)
	}
	if string(got.Answer) != `"red"` {
		t.Errorf("Answer = %s", got.Answer)
	}
	if !got.Module("static").Vars.Has("count") {
		t.Error("module vars not persisted")
	}
}

func TestUpdateParticipant_StalePage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p := seedParticipant(t, db, "w1")
	p.PageUUID = "first"
	db.WithTx(ctx, func(tx *Tx) error { return tx.UpdateParticipant(ctx, p, "") })

	p.PageUUID = "second"
	if err := db.WithTx(ctx, func(tx *Tx) error { return tx.UpdateParticipant(ctx, p, "first") }); err != nil {
		t.Fatalf("first CAS error: %v", err)
	}

	p.PageUUID = "third"
	err := db.WithTx(ctx, func(tx *Tx) error { return tx.UpdateParticipant(ctx, p, "first") })
	if !errors.Is(err, domain.ErrStalePage) {
		t.Errorf("second CAS error = %v, want ErrStalePage", err)
	}
}

func TestGetParticipant_NotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	err := db.View(ctx, func(tx *Tx) error {
		_, err := tx.GetParticipant(ctx, 99)
		return err
	})
	if !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Errorf("error = %v, want ErrParticipantNotFound", err)
	}
}

// ─── Networks & Trials ──────────────────────────────────────────────────────

func TestNetwork_NodeCountAndLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	net, _ := seedNetwork(t, db, 3)

	var got *domain.Network
	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.LockNetwork(ctx, net.ID); err != nil {
			return err
		}
		var err error
		got, err = tx.GetNetwork(ctx, net.ID)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() error: %v", err)
	}
	if got.NumNodes != 3 {
		t.Errorf("NumNodes = %d, want 3", got.NumNodes)
	}

	err = db.WithTx(ctx, func(tx *Tx) error { return tx.LockNetwork(ctx, 999) })
	if !errors.Is(err, domain.ErrNetworkNotFound) {
		t.Errorf("LockNetwork(999) error = %v, want ErrNetworkNotFound", err)
	}
}

func TestTrialCounts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	net, nodes := seedNetwork(t, db, 2)
	p := seedParticipant(t, db, "w1")
	q := seedParticipant(t, db, "w2")

	now := time.Now()
	trials := []*domain.Trial{
		{ParticipantID: p.ID, NodeID: nodes[0].ID, Complete: true, CompletedAt: &now},
		{ParticipantID: p.ID, NodeID: nodes[0].ID, Complete: true, IsRepeatTrial: true},
		{ParticipantID: p.ID, NodeID: nodes[1].ID, Failed: true, FailedReason: "response_timeout"},
		{ParticipantID: q.ID, NodeID: nodes[1].ID},
	}
	err := db.WithTx(ctx, func(tx *Tx) error {
		for _, tr := range trials {
			tr.NetworkID = net.ID
			tr.TrialMakerID = "tm"
			tr.CreatedAt = now.Add(-time.Hour)
			if err := tx.InsertTrial(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert trials: %v", err)
	}

	db.View(ctx, func(tx *Tx) error {
		live, err := tx.LiveTrialCounts(ctx, net.ID)
		if err != nil {
			t.Fatalf("LiveTrialCounts() error: %v", err)
		}
		if live[nodes[0].ID] != 1 || live[nodes[1].ID] != 1 {
			t.Errorf("live = %v, want 1 each", live)
		}

		mine, err := tx.ParticipantNodeCounts(ctx, p.ID, net.ID)
		if err != nil {
			t.Fatalf("ParticipantNodeCounts() error: %v", err)
		}
		if mine[nodes[0].ID] != 1 || mine[nodes[1].ID] != 0 {
			t.Errorf("participant counts = %v", mine)
		}

		open, err := tx.OpenTrial(ctx, q.ID, "tm")
		if err != nil || open == nil {
			t.Fatalf("OpenTrial() = %v, %v", open, err)
		}
		if open.ID != trials[3].ID {
			t.Errorf("OpenTrial() id = %d, want %d", open.ID, trials[3].ID)
		}

		stale, err := tx.StaleTrials(ctx, "tm", now.UnixMilli())
		if err != nil {
			t.Fatalf("StaleTrials() error: %v", err)
		}
		if len(stale) != 1 {
			t.Errorf("StaleTrials() = %d, want 1", len(stale))
		}
		return nil
	})
}

func TestAdjustCompleted_NeverNegative(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	net, nodes := seedNetwork(t, db, 1)

	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.AdjustCompleted(ctx, nodes[0].ID, net.ID, 1); err != nil {
			return err
		}
		return tx.AdjustCompleted(ctx, nodes[0].ID, net.ID, -3)
	})
	if err != nil {
		t.Fatalf("AdjustCompleted() error: %v", err)
	}
	db.View(ctx, func(tx *Tx) error {
		n, _ := tx.GetNode(ctx, nodes[0].ID)
		if n.NumCompletedTrials != 0 {
			t.Errorf("node NumCompletedTrials = %d, want 0", n.NumCompletedTrials)
		}
		return nil
	})
}

// ─── Async Processes ────────────────────────────────────────────────────────

func TestProcess_AwaitingFlags(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, nodes := seedNetwork(t, db, 1)
	start := time.Now().Add(-time.Minute)

	proc := &domain.AsyncProcess{
		Key: "k1", Label: "synth", OwnerKind: domain.OwnerNode, OwnerID: nodes[0].ID,
		Pending: true, StartedAt: start, Timeout: time.Second,
	}
	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertProcess(ctx, proc); err != nil {
			return err
		}
		return tx.SetAwaiting(ctx, domain.OwnerNode, nodes[0].ID, true, &start)
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	db.View(ctx, func(tx *Tx) error {
		pending, _ := tx.PendingProcesses(ctx, domain.OwnerNode, nodes[0].ID)
		if len(pending) != 1 || pending[0].Timeout != time.Second {
			t.Errorf("pending = %+v", pending)
		}
		awaiting, _ := tx.NodesAwaitingSince(ctx, "tm", time.Now().UnixMilli())
		if len(awaiting) != 1 {
			t.Errorf("NodesAwaitingSince() = %d, want 1", len(awaiting))
		}
		expired, _ := tx.ExpiredProcesses(ctx, time.Now())
		if len(expired) != 1 {
			t.Errorf("ExpiredProcesses() = %d, want 1", len(expired))
		}
		return nil
	})
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestWithTx_ConcurrentWritersSerialize(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	net, nodes := seedNetwork(t, db, 1)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.WithTx(ctx, func(tx *Tx) error {
				if err := tx.LockNetwork(ctx, net.ID); err != nil {
					return err
				}
				return tx.AdjustCompleted(ctx, nodes[0].ID, net.ID, 1)
			})
			if err != nil {
				t.Errorf("WithTx() error: %v", err)
			}
		}()
	}
	wg.Wait()

	db.View(ctx, func(tx *Tx) error {
		got, _ := tx.GetNetwork(ctx, net.ID)
		if got.NumCompletedTrials != 20 {
			t.Errorf("NumCompletedTrials = %d, want 20", got.NumCompletedTrials)
		}
		return nil
	})
}
