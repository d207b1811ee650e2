package analyzer

import (
	"sort"
)

// eptFamilyNode groups EPT_VIOLATION and EPT_VIOLATION-mmio: every interval of
// either category lands in exactly one error-code bucket, so the code split
// only adds up under the combined node.
const eptFamilyNode = "EPT_VIOLATION (all)"

// BuildFlameGraphTree converts the aggregate into a hierarchical FlameGraphNode
// structure: root → exit reason, with EPT violations split by error code.
// Node values are total latencies in microseconds; negative samples are
// dropped since a flame graph cannot draw them.
func BuildFlameGraphTree(agg *Aggregate) *FlameGraphNode {
	root := &FlameGraphNode{Name: "root"}

	family := &FlameGraphNode{Name: eptFamilyNode}
	for _, key := range sortedKeys(agg.FaultCodeLatencies) {
		if total := positiveSum(agg.FaultCodeLatencies[key]); total > 0 {
			family.Children = append(family.Children, &FlameGraphNode{Name: "error_code " + FormatHex(key), Value: total})
			family.Value += total
		}
	}
	if family.Value > 0 {
		root.Children = append(root.Children, family)
		root.Value += family.Value
	}

	for _, c := range agg.Categories() {
		if c == ReasonEPTViolation || c == ReasonEPTMMIO {
			continue
		}
		if total := positiveSum(agg.Latencies[c]); total > 0 {
			root.Children = append(root.Children, &FlameGraphNode{Name: c, Value: total})
			root.Value += total
		}
	}

	sortChildrenByValue(root)
	return root
}

func positiveSum(lats []int64) int64 {
	var total int64
	for _, v := range lats {
		if v > 0 {
			total += v
		}
	}
	return total
}

// sortChildrenByValue recursively sorts the children of a FlameGraphNode by value (descending).
func sortChildrenByValue(node *FlameGraphNode) {
	if node == nil || len(node.Children) == 0 {
		return
	}
	sort.SliceStable(node.Children, func(i, j int) bool {
		return node.Children[i].Value > node.Children[j].Value
	})
	for _, child := range node.Children {
		sortChildrenByValue(child)
	}
}
