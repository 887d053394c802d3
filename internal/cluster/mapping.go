package cluster

import (
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Kinds whose resource names don't follow the plain pluralization rules.
var irregularResourceNames = map[string]string{
	"Endpoints":       "endpoints",
	"PodMetrics":      "podmetrics",
	"NodeMetrics":     "nodemetrics",
	"ComponentStatus": "componentstatuses",
}

// GVRFor derives the REST resource name for a kind. Standard Kubernetes
// naming: lowercase plural of the kind. Avoids a discovery round-trip,
// which also keeps the fake dynamic client usable in tests.
func GVRFor(gvk schema.GroupVersionKind) schema.GroupVersionResource {
	if name, ok := irregularResourceNames[gvk.Kind]; ok {
		return gvk.GroupVersion().WithResource(name)
	}
	kind := strings.ToLower(gvk.Kind)
	switch {
	case strings.HasSuffix(kind, "s"):
		kind += "es"
	case strings.HasSuffix(kind, "y"):
		kind = kind[:len(kind)-1] + "ies"
	default:
		kind += "s"
	}
	return gvk.GroupVersion().WithResource(kind)
}
