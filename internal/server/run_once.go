package server

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/windlass-gitops/windlass/internal/app"
	"github.com/windlass-gitops/windlass/internal/scheduler"
)

// LoadRootApplication reads the root Application manifest from a file, or
// stdin when the path is "-".
func LoadRootApplication(filePath string) (*app.Application, error) {
	var reader io.Reader
	if filePath == "-" {
		reader = os.Stdin
	} else {
		file, err := os.Open(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()
		reader = file
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var content map[string]interface{}
	if err := yaml.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	obj := &unstructured.Unstructured{Object: content}
	if !app.IsApplication(obj) {
		return nil, fmt.Errorf("manifest is not a %s %s", app.APIVersion, app.Kind)
	}
	return app.FromUnstructured(obj)
}

// RunOnce performs a single reconcile pass over the root application and
// everything it expands to, then returns. Used for CI-style invocations.
func RunOnce(ctx context.Context, s *scheduler.Scheduler, rootPath string) error {
	root, err := LoadRootApplication(rootPath)
	if err != nil {
		log.Error().Err(err).Msgf("Failed to read root application from %s", rootPath)
		return err
	}
	if err := s.AddRoot(root); err != nil {
		return err
	}
	log.Info().Str("app", root.ObjectMeta.Name).Msg("running single reconcile pass")
	s.RunOnce(ctx)
	return nil
}
