package diff

import (
	"fmt"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/rs/zerolog/log"
	"sigs.k8s.io/yaml"
)

// Render produces a unified diff for one planned operation, suitable for the
// manual-approval flow and the results endpoint. Noops render empty.
func Render(op Op) string {
	var liveStr, desiredStr string
	switch op.Type {
	case OpNoop:
		return ""
	case OpCreate:
		desiredStr = toYAML(op.Desired.Object.Object)
	case OpDelete:
		liveStr = toYAML(op.Live.Object.Object)
	case OpUpdate:
		// Project live onto the managed field set so runtime-assigned
		// fields don't clutter the diff.
		liveStr = toYAML(ManagedProjection(op.Desired.Object.Object, op.Live.Object.Object))
		desiredStr = toYAML(op.Desired.Object.Object)
	}
	return unifiedDiff("live.yaml", "desired.yaml", liveStr, desiredStr)
}

func unifiedDiff(srcFile, destFile, from, to string) string {
	edits := myers.ComputeEdits(span.URIFromPath(srcFile), from, to)
	return fmt.Sprint(gotextdiff.ToUnified(srcFile, destFile, from, edits))
}

func toYAML(obj map[string]interface{}) string {
	data, err := yaml.Marshal(obj)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for diff rendering")
		return ""
	}
	return string(data)
}
