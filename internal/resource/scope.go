package resource

// Kinds that live outside any namespace. Anything not listed here is
// treated as namespaced, which is the right default for CRD-backed kinds
// shipped alongside their consumers.
var clusterScopedKinds = map[string]bool{
	"Namespace":                      true,
	"Node":                           true,
	"CustomResourceDefinition":       true,
	"ClusterRole":                    true,
	"ClusterRoleBinding":             true,
	"StorageClass":                   true,
	"PersistentVolume":               true,
	"PriorityClass":                  true,
	"IngressClass":                   true,
	"RuntimeClass":                   true,
	"ValidatingWebhookConfiguration": true,
	"MutatingWebhookConfiguration":   true,
	"APIService":                     true,
}

// IsClusterScoped reports whether kind is cluster-scoped.
func IsClusterScoped(kind string) bool {
	return clusterScopedKinds[kind]
}
