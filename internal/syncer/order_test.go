package syncer

import (
	"testing"

	"github.com/windlass-gitops/windlass/internal/diff"
	"github.com/windlass-gitops/windlass/internal/resource"
)

func TestWaveForKindDefaults(t *testing.T) {
	cases := []struct {
		kind string
		want int
	}{
		{"Namespace", -20},
		{"CustomResourceDefinition", -15},
		{"ConfigMap", -5},
		{"Service", -2},
		{"Deployment", 0},
		{"Ingress", 2},
		{"ValidatingWebhookConfiguration", 5},
	}
	for _, tc := range cases {
		op := createOp(tc.kind, "ns", "x", nil)
		if got := waveFor(op); got != tc.want {
			t.Errorf("waveFor(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestWaveForAnnotationOverride(t *testing.T) {
	op := createOp("ConfigMap", "ns", "x", map[string]string{
		resource.SyncWaveAnnotation: "30",
	})
	if got := waveFor(op); got != 30 {
		t.Errorf("waveFor() = %d, want annotation override 30", got)
	}

	bad := createOp("ConfigMap", "ns", "x", map[string]string{
		resource.SyncWaveAnnotation: "not-a-number",
	})
	if got := waveFor(bad); got != -5 {
		t.Errorf("waveFor() = %d, want kind default on unparseable annotation", got)
	}
}

func TestWaveForDeleteUsesLiveAnnotations(t *testing.T) {
	op := deleteOp("ConfigMap", "ns", "x")
	op.Live.Object.SetAnnotations(map[string]string{resource.SyncWaveAnnotation: "7"})
	if got := waveFor(op); got != 7 {
		t.Errorf("waveFor() = %d, want 7 from live annotations", got)
	}
}

func TestTiersOrdering(t *testing.T) {
	ops := []diff.Op{
		createOp("Deployment", "ns", "workload", nil),
		deleteOp("ConfigMap", "ns", "stale-cm"),
		createOp("Namespace", "", "ns", nil),
		deleteOp("Namespace", "", "stale-ns"),
		createOp("ConfigMap", "ns", "settings", nil),
	}
	got := tiers(ops)
	if len(got) != 5 {
		t.Fatalf("tiers() returned %d tiers, want 5", len(got))
	}

	wantKinds := [][]string{
		{"Namespace"},  // apply wave -20
		{"ConfigMap"},  // apply wave -5
		{"Deployment"}, // apply wave 0
		{"ConfigMap"},  // delete wave -5 before -20
		{"Namespace"},  // delete wave -20 last
	}
	for i, tier := range got {
		if len(tier) != len(wantKinds[i]) {
			t.Fatalf("tier %d has %d ops, want %d", i, len(tier), len(wantKinds[i]))
		}
		for j, op := range tier {
			if op.Key.Kind != wantKinds[i][j] {
				t.Errorf("tier %d op %d kind = %s, want %s", i, j, op.Key.Kind, wantKinds[i][j])
			}
		}
	}

	if got[3][0].Type != diff.OpDelete || got[4][0].Type != diff.OpDelete {
		t.Error("delete tiers must follow all apply tiers")
	}
}

func TestTiersGroupSameWave(t *testing.T) {
	ops := []diff.Op{
		createOp("ConfigMap", "ns", "a", nil),
		createOp("Secret", "ns", "b", nil),
	}
	got := tiers(ops)
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("same-wave ops should share a tier, got %+v", got)
	}
}
