package txns

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

// txnDependencyGraph maps a waiting transaction to the holders it waits for.
type txnDependencyGraph map[common.TxnID][]edgeInfo

type edgeInfo struct {
	dst      common.TxnID
	page     common.PageIdentity
	lockMode PageLockMode
}

func (g txnDependencyGraph) IsCyclic() bool {
	visited := make(map[common.TxnID]bool)
	recStack := make(map[common.TxnID]bool)

	var dfs func(txnID common.TxnID) bool
	dfs = func(txnID common.TxnID) bool {
		if recStack[txnID] {
			return true
		}

		if visited[txnID] {
			return false
		}

		visited[txnID] = true
		recStack[txnID] = true

		for _, edge := range g[txnID] {
			if dfs(edge.dst) {
				return true
			}
		}

		recStack[txnID] = false
		return false
	}

	for txnID := range g {
		if !visited[txnID] {
			if dfs(txnID) {
				return true
			}
		}
	}

	return false
}

// Dump renders the graph in graphviz format.
func (g txnDependencyGraph) Dump() string {
	var result strings.Builder

	result.WriteString("digraph TransactionDependencyGraph {\n")
	result.WriteString("\trankdir=LR;\n")
	result.WriteString("\tnode [shape=box];\n")

	nodes := map[common.TxnID]struct{}{}
	for txnID, deps := range g {
		nodes[txnID] = struct{}{}
		for _, edge := range deps {
			nodes[edge.dst] = struct{}{}
		}
	}

	names := make([]string, 0, len(nodes))
	for txnID := range nodes {
		names = append(names, txnID.String())
	}
	slices.Sort(names)
	for _, name := range names {
		result.WriteString(fmt.Sprintf("\t\"%s\";\n", name))
	}
	result.WriteString("\n")

	for txnID, deps := range g {
		for _, edge := range deps {
			color := "blue"
			if edge.lockMode == PageLockExclusive {
				color = "red"
			}

			result.WriteString(
				fmt.Sprintf(
					"\t\"%s\" -> \"%s\" [label=\"%s %s\", color=\"%s\"];\n",
					txnID,
					edge.dst,
					edge.lockMode,
					edge.page,
					color,
				),
			)
		}
	}

	result.WriteString("}\n")
	return result.String()
}

func (m *LockManager) GetGraphSnaphot() txnDependencyGraph {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.graphSnapshotAssumeLocked()
}

func (m *LockManager) graphSnapshotAssumeLocked() txnDependencyGraph {
	graph := txnDependencyGraph{}
	for waiter, info := range m.waiting {
		l, ok := m.locks[info.pageIdent]
		if !ok {
			continue
		}

		for holder := range l.holders {
			if holder == waiter {
				continue
			}
			graph[waiter] = append(graph[waiter], edgeInfo{
				dst:      holder,
				page:     info.pageIdent,
				lockMode: info.lockMode,
			})
		}
	}
	return graph
}
