// Package sim drives randomized multi-node permission schedules through the
// in-process replication bus. Convergence tests and cmd/simdemo use it to
// check that every node derives the same projection from the same event set.
package sim

import (
	"math/rand"
	"time"

	"paperhub.org/internal/perm"
)

// Op is one permission operation issued on one simulated node.
type Op struct {
	Node      int
	Kind      string
	Workspace string
	Email     string
	Role      string
	Reason    string
}

type Scenario struct {
	Name  string
	Nodes int
	Ops   []Op
}

type Generator struct {
	rnd        *rand.Rand
	workspaces []string
	emails     []string
	roles      []string
}

func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		rnd:        rand.New(rand.NewSource(seed)),
		workspaces: []string{"ws-atlas", "ws-orbit", "ws-quill"},
		emails: []string{
			"ada@example.com",
			"grace@example.com",
			"linus@example.com",
			"margaret@example.com",
			"dennis@example.com",
		},
		roles: []string{perm.RoleOwner, perm.RoleEditor, perm.RoleViewer},
	}
}

// Schedule produces a random operation sequence. Invitations dominate early
// so later accepts, role changes and removals mostly land on entities that
// exist; the ones that do not still exercise the out-of-order paths.
func (g *Generator) Schedule(nodes, ops int) Scenario {
	sc := Scenario{Name: "membership-churn", Nodes: nodes}
	invited := make(map[string]bool)

	for i := 0; i < ops; i++ {
		ws := g.workspaces[g.rnd.Intn(len(g.workspaces))]
		email := g.emails[g.rnd.Intn(len(g.emails))]
		key := perm.EntityID(ws, email)

		op := Op{
			Node:      g.rnd.Intn(nodes),
			Workspace: ws,
			Email:     email,
		}
		switch {
		case !invited[key] || g.rnd.Intn(100) < 25:
			op.Kind = "invited"
			op.Role = g.roles[g.rnd.Intn(len(g.roles))]
			invited[key] = true
		default:
			switch g.rnd.Intn(4) {
			case 0:
				op.Kind = "accepted"
			case 1:
				op.Kind = "role_changed"
				op.Role = g.roles[g.rnd.Intn(len(g.roles))]
			case 2:
				op.Kind = "revoked"
				op.Reason = "simulated revocation"
			default:
				op.Kind = "removed"
				invited[key] = false
			}
		}
		sc.Ops = append(sc.Ops, op)
	}
	return sc
}
