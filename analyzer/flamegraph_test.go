package analyzer_test

import (
	"testing"

	"github.com/ZephyrDeng/kvmexit-analyzer-mcp/analyzer"
)

func TestBuildFlameGraphTree(t *testing.T) {
	agg := mustParse(t, mixedTrace(), analyzer.Options{})
	root := analyzer.BuildFlameGraphTree(agg)

	if root.Name != "root" || root.Value != 158 {
		t.Fatalf("root = %s/%d, want root/158", root.Name, root.Value)
	}

	wantOrder := []string{"HLT", "EPT_VIOLATION (all)", "EPT_MISCONFIG", "EXTERNAL_INTERRUPT"}
	if len(root.Children) != len(wantOrder) {
		t.Fatalf("got %d children, want %d", len(root.Children), len(wantOrder))
	}
	var childSum int64
	for i, child := range root.Children {
		if child.Name != wantOrder[i] {
			t.Errorf("child %d = %q, want %q", i, child.Name, wantOrder[i])
		}
		childSum += child.Value
	}
	if childSum != root.Value {
		t.Errorf("children sum to %d, root value is %d", childSum, root.Value)
	}

	family := root.Children[1]
	if len(family.Children) != 1 || family.Children[0].Name != "error_code 0x4" || family.Children[0].Value != 46 {
		t.Errorf("unexpected EPT children: %+v", family.Children)
	}
}

func TestBuildFlameGraphTreeSkipsNonPositive(t *testing.T) {
	agg := mustParse(t, trace(
		exitLine("1.000010", "HLT", "0"), entryLine("1.000005"),
		exitLine("1.000020", "PAUSE_INSTRUCTION", "0"), entryLine("1.000020"),
	), analyzer.Options{})

	root := analyzer.BuildFlameGraphTree(agg)
	if root.Value != 0 || len(root.Children) != 0 {
		t.Errorf("expected empty tree, got %+v", root)
	}
}
