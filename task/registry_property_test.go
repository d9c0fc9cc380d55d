package task

import (
	"context"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/personaflow/types"
)

// acyclic is an independent Kahn's-algorithm check over batch edges.
func acyclic(after [][]int) bool {
	n := len(after)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, deps := range after {
		for _, d := range deps {
			indegree[i]++
			dependents[d] = append(dependents[d], i)
		}
	}
	var queue []int
	for i := range indegree {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	seen := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		seen++
		for _, dep := range dependents[cur] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return seen == n
}

func TestProperty_CycleRejectionIsAtomic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := NewRegistry(zap.NewNop())
		ctx := context.Background()

		seed := rapid.IntRange(0, 3).Draw(rt, "seed_tasks")
		for i := 0; i < seed; i++ {
			_, err := r.Create(ctx, CreateSpec{Description: "seed"})
			require.NoError(rt, err)
		}

		n := rapid.IntRange(1, 8).Draw(rt, "n")
		after := make([][]int, n)
		specs := make([]CreateSpec, n)
		for i := range specs {
			edges := rapid.SliceOfN(rapid.IntRange(0, n-1), 0, 3).Draw(rt, "after")
			after[i] = edges
			specs[i] = CreateSpec{Description: "t", After: edges}
		}

		auditBefore := len(r.Audit(0))
		versionBefore := r.Snapshot().Version

		created, err := r.CreateBatch(ctx, specs)
		if acyclic(after) {
			require.NoError(rt, err)
			assert.Len(rt, created, n)
			assert.Len(rt, r.List(""), seed+n)
			return
		}

		assert.ErrorIs(rt, err, types.ErrInvalidTaskGraph)
		assert.Len(rt, r.List(""), seed)
		assert.Len(rt, r.Audit(0), auditBefore)
		assert.Equal(rt, versionBefore, r.Snapshot().Version)

		next, err := r.Create(ctx, CreateSpec{Description: "after rejection"})
		require.NoError(rt, err)
		assert.Equal(rt, int64(seed+1), next.ID)
	})
}

// Random DAGs driven to completion always terminate with every task terminal,
// and a task completes exactly when it and all its ancestors succeed.
func TestProperty_RandomDAGTerminates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("driving ready tasks terminates with consistent outcomes", prop.ForAll(
		func(n int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			ctx := context.Background()
			r := NewRegistry(zap.NewNop())

			specs := make([]CreateSpec, n)
			succeeds := make([]bool, n)
			for i := range specs {
				var after []int
				for j := 0; j < i; j++ {
					if rng.Intn(3) == 0 {
						after = append(after, j)
					}
				}
				specs[i] = CreateSpec{RequestID: "req", Description: "t", After: after, Priority: rng.Intn(3)}
				succeeds[i] = rng.Intn(4) != 0
			}
			created, err := r.CreateBatch(ctx, specs)
			if err != nil {
				return false
			}
			index := make(map[int64]int, n)
			for i, tk := range created {
				index[tk.ID] = i
			}

			for rounds := 0; ; rounds++ {
				if rounds > n {
					return false
				}
				claimed := r.ClaimReady(ctx, "req", -1)
				if len(claimed) == 0 {
					break
				}
				for _, tk := range claimed {
					if succeeds[index[tk.ID]] {
						_, err = r.Transition(ctx, tk.ID, StatusCompleted, &Result{Text: "ok"}, nil)
					} else {
						_, err = r.Transition(ctx, tk.ID, StatusFailed, nil, &Failure{Category: FailureNonzeroExit, Message: "boom"})
					}
					if err != nil {
						return false
					}
				}
			}

			expected := make([]bool, n)
			for i := range specs {
				ok := succeeds[i]
				for _, d := range specs[i].After {
					ok = ok && expected[d]
				}
				expected[i] = ok
			}
			for _, tk := range r.List("req") {
				if !tk.Status.IsTerminal() {
					return false
				}
				if (tk.Status == StatusCompleted) != expected[index[tk.ID]] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 15),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
