package syncer

import (
	"sort"
	"strconv"

	"github.com/windlass-gitops/windlass/internal/diff"
	"github.com/windlass-gitops/windlass/internal/resource"
)

// Default waves per kind: containers and prerequisites apply before their
// consumers. Anything unlisted is a plain workload-tier resource.
var kindWave = map[string]int{
	"Namespace":                      -20,
	"CustomResourceDefinition":       -15,
	"PriorityClass":                  -12,
	"ServiceAccount":                 -10,
	"ClusterRole":                    -10,
	"ClusterRoleBinding":             -9,
	"Role":                           -10,
	"RoleBinding":                    -9,
	"ConfigMap":                      -5,
	"Secret":                         -5,
	"PersistentVolume":               -5,
	"PersistentVolumeClaim":          -4,
	"StorageClass":                   -5,
	"NetworkPolicy":                  -3,
	"LimitRange":                     -3,
	"ResourceQuota":                  -3,
	"Service":                        -2,
	"Ingress":                        2,
	"ValidatingWebhookConfiguration": 5,
	"MutatingWebhookConfiguration":   5,
}

// waveFor returns the sync wave of an operation: the manifest's explicit
// annotation when present, otherwise the kind default.
func waveFor(op diff.Op) int {
	var annotations map[string]string
	if op.Desired != nil {
		annotations = op.Desired.Object.GetAnnotations()
	} else if op.Live != nil {
		annotations = op.Live.Object.GetAnnotations()
	}
	if raw, ok := annotations[resource.SyncWaveAnnotation]; ok {
		if wave, err := strconv.Atoi(raw); err == nil {
			return wave
		}
	}
	return kindWave[op.Key.Kind]
}

// tiers groups operations into execution order. Applies run in ascending
// wave order; deletes run after all applies, in descending wave order, so
// contained objects go away before their containers.
func tiers(ops []diff.Op) [][]diff.Op {
	applyWaves := make(map[int][]diff.Op)
	deleteWaves := make(map[int][]diff.Op)
	for _, op := range ops {
		if op.Type == diff.OpDelete {
			w := waveFor(op)
			deleteWaves[w] = append(deleteWaves[w], op)
		} else {
			w := waveFor(op)
			applyWaves[w] = append(applyWaves[w], op)
		}
	}
	var out [][]diff.Op
	for _, w := range sortedKeys(applyWaves, true) {
		out = append(out, applyWaves[w])
	}
	for _, w := range sortedKeys(deleteWaves, false) {
		out = append(out, deleteWaves[w])
	}
	return out
}

func sortedKeys(m map[int][]diff.Op, ascending bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	if !ascending {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	return keys
}
