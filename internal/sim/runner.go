package sim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"paperhub.org/internal/perm"
	"paperhub.org/internal/replication"
)

// Runner owns a set of in-memory nodes wired through a buffered Loopback bus
// and executes a scenario against them.
type Runner struct {
	nodes []simNode
	bus   *replication.Loopback
	rnd   *rand.Rand

	base time.Time
	tick int
}

type simNode struct {
	name  string
	store *perm.InMemory
	svc   *perm.Service
}

// Report is the outcome of one run: per-node projection checksums and
// whether they all agree.
type Report struct {
	Stats     Stats
	Checksums []string
	Rows      []int
	Converged bool
}

func NewRunner(nodeCount int, seed int64) (*Runner, error) {
	if nodeCount < 2 {
		nodeCount = 2
	}
	r := &Runner{
		bus:  replication.NewLoopback(seed),
		rnd:  rand.New(rand.NewSource(seed + 1)),
		base: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	r.bus.Buffer()
	r.bus.DuplicateEvery(5)

	for i := 0; i < nodeCount; i++ {
		name := fmt.Sprintf("node-%d", i)
		store := perm.NewInMemory()
		m := r.bus.NewMember()
		offset := time.Duration(i) * time.Millisecond
		clock := func() time.Time {
			// One shared logical clock, skewed per node so event
			// timestamps never collide.
			r.tick++
			return r.base.Add(time.Duration(r.tick)*time.Second + offset)
		}
		svc, err := perm.NewService(name, store, perm.WithPublisher(m), perm.WithClock(clock))
		if err != nil {
			return nil, fmt.Errorf("sim node %d: %w", i, err)
		}
		m.Attach(svc)
		r.nodes = append(r.nodes, simNode{name: name, store: store, svc: svc})
	}
	return r, nil
}

// Run executes the scenario, flushing the bus at random points and once at
// the end, then compares the nodes' projections.
func (r *Runner) Run(ctx context.Context, sc Scenario) (Report, error) {
	var report Report
	for _, op := range sc.Ops {
		if op.Node >= len(r.nodes) {
			return report, fmt.Errorf("op targets node %d of %d", op.Node, len(r.nodes))
		}
		if err := r.apply(ctx, op, &report.Stats); err != nil {
			return report, err
		}
		if r.rnd.Intn(100) < 15 {
			if err := r.bus.Flush(ctx); err != nil {
				return report, fmt.Errorf("flush: %w", err)
			}
			report.Stats.Flushes++
		}
	}
	if err := r.bus.Flush(ctx); err != nil {
		return report, fmt.Errorf("final flush: %w", err)
	}
	report.Stats.Flushes++
	report.Stats.Events = r.nodes[0].store.EventCount()

	workspaces := distinctWorkspaces(sc)
	for _, n := range r.nodes {
		sum, rows, err := checksum(ctx, n.svc, workspaces)
		if err != nil {
			return report, fmt.Errorf("checksum %s: %w", n.name, err)
		}
		report.Checksums = append(report.Checksums, sum)
		report.Rows = append(report.Rows, rows)
	}
	report.Converged = allEqual(report.Checksums)
	return report, nil
}

func (r *Runner) apply(ctx context.Context, op Op, stats *Stats) error {
	svc := r.nodes[op.Node].svc
	var err error
	switch op.Kind {
	case "invited":
		_, err = svc.Invite(ctx, op.Workspace, op.Email, op.Role, "sim@example.com")
	case "accepted":
		_, err = svc.Accept(ctx, op.Workspace, op.Email)
	case "role_changed":
		_, err = svc.SetRole(ctx, op.Workspace, op.Email, op.Role)
	case "revoked":
		_, err = svc.Revoke(ctx, op.Workspace, op.Email, op.Reason)
	case "removed":
		_, err = svc.Remove(ctx, op.Workspace, op.Email)
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	stats.add(err == nil)
	return nil
}

// checksum folds a node's projection rows for the given workspaces into a
// short hex digest, plus the row count.
func checksum(ctx context.Context, svc *perm.Service, workspaces []string) (string, int, error) {
	h := sha256.New()
	rows := 0
	for _, ws := range workspaces {
		items, err := svc.List(ctx, ws)
		if err != nil {
			return "", 0, err
		}
		for _, row := range items {
			rows++
			fmt.Fprintf(h, "%s|%s|%s|%s|%s\n",
				row.WorkspaceID, row.UserEmail, row.Role, row.Status, row.LastEventID)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:12], rows, nil
}

func distinctWorkspaces(sc Scenario) []string {
	seen := make(map[string]struct{})
	for _, op := range sc.Ops {
		seen[op.Workspace] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ws := range seen {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

func allEqual(sums []string) bool {
	for _, s := range sums[1:] {
		if s != sums[0] {
			return false
		}
	}
	return true
}
