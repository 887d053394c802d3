package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/windlass-gitops/windlass/internal/app"
	"github.com/windlass-gitops/windlass/internal/resource"
)

// Locator points at one application's slice of the source of truth.
type Locator struct {
	RepoURL  string
	Revision string
	Path     string
	Recurse  bool
}

// RepoResolver maps a repository reference to a local checkout directory.
// Fetching the repository is someone else's job (CI, a sidecar, a cron'd
// git pull); the loader only ever reads from disk.
type RepoResolver interface {
	Resolve(repoURL, revision string) (string, error)
}

// DirResolver resolves repositories to subdirectories of Root. A checkout
// pinned to a revision lives at <root>/<repo>@<revision>; a plain tracking
// checkout lives at <root>/<repo>.
type DirResolver struct {
	Root string
}

func (r DirResolver) Resolve(repoURL, revision string) (string, error) {
	name := repoDirName(repoURL)
	if name == "" {
		return "", fmt.Errorf("%w: cannot derive directory name from %q", resource.ErrSourceUnreachable, repoURL)
	}
	candidates := []string{filepath.Join(r.Root, name)}
	if revision != "" {
		candidates = []string{filepath.Join(r.Root, name+"@"+revision), candidates[0]}
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: no checkout of %s (revision %q) under %s", resource.ErrSourceUnreachable, repoURL, revision, r.Root)
}

// repoDirName reduces a repo URL to its final path element, e.g.
// https://github.com/acme/platform-config.git -> platform-config.
func repoDirName(repoURL string) string {
	s := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// ChildApp is an Application manifest discovered inside a parent's tree.
type ChildApp struct {
	App     *app.Application
	SrcPath string
}

// Result is one deterministic snapshot of an application's desired state.
type Result struct {
	Resources []resource.Desired
	ChildApps []ChildApp
	Revision  string
}

// Loader reads manifest trees into desired-state snapshots.
type Loader struct {
	Resolver RepoResolver
}

func NewLoader(resolver RepoResolver) *Loader {
	return &Loader{Resolver: resolver}
}

var manifestExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// Load produces the desired-state set for one application. The same locator
// and revision always yield the same result: files are walked in sorted
// order and document order within a file is preserved.
//
// An Application manifest anywhere in the tree is returned as a child app,
// never as a plain resource. When recursing, a directory that contains an
// Application manifest starts a new application scope: its Application
// manifests are still returned as children, but nothing else below it
// belongs to the parent.
func (l *Loader) Load(loc Locator, owner string, destNamespace string) (*Result, error) {
	root, err := l.Resolver.Resolve(loc.RepoURL, loc.Revision)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, filepath.FromSlash(loc.Path))
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: path %q not found in checkout %s", resource.ErrSourceUnreachable, loc.Path, root)
	}

	files, boundaries, err := collectFiles(dir, loc.Recurse)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", resource.ErrSourceUnreachable, err)
	}

	res := &Result{Revision: loc.Revision}
	seen := make(map[resource.Key]string)
	for _, f := range files {
		rel, _ := filepath.Rel(dir, f)
		rel = filepath.ToSlash(rel)
		docs, err := readDocuments(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", resource.ErrMalformedResource, rel, err)
		}
		for _, obj := range docs {
			if app.IsApplication(obj) {
				child, err := app.FromUnstructured(obj)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", rel, err)
				}
				res.ChildApps = append(res.ChildApps, ChildApp{App: child, SrcPath: rel})
				continue
			}
			if err := validateDocument(obj); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", resource.ErrMalformedResource, rel, err)
			}
			stampOwnership(obj, owner, destNamespace)
			key := resource.KeyFor(obj)
			if prev, dup := seen[key]; dup {
				return nil, fmt.Errorf("%w: %s declared in both %s and %s", resource.ErrMalformedResource, key, prev, rel)
			}
			seen[key] = rel
			res.Resources = append(res.Resources, resource.Desired{
				Key:      key,
				Object:   obj,
				App:      owner,
				SrcPath:  rel,
				Revision: loc.Revision,
			})
		}
	}

	// Application manifests inside boundary directories delimit child
	// scopes; they are the parent's children even though the rest of the
	// subtree is not the parent's to load.
	for _, bdir := range boundaries {
		children, err := boundaryApplications(bdir, dir)
		if err != nil {
			return nil, err
		}
		res.ChildApps = append(res.ChildApps, children...)
	}

	log.Debug().Str("app", owner).Str("path", loc.Path).
		Int("resources", len(res.Resources)).Int("childApps", len(res.ChildApps)).
		Msg("loaded source tree")
	return res, nil
}

// collectFiles returns manifest file paths in a stable sorted order. When
// recursing, a subtree that contains an Application manifest is another
// application's scope: the directory is returned as a boundary and nothing
// below it is collected.
func collectFiles(dir string, recurse bool) (files, boundaries []string, err error) {
	if !recurse {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !manifestExtensions[filepath.Ext(e.Name())] {
				continue
			}
			files = append(files, filepath.Join(dir, e.Name()))
		}
		sort.Strings(files)
		return files, nil, nil
	}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				boundary, err := containsApplicationManifest(path)
				if err != nil {
					return err
				}
				if boundary {
					boundaries = append(boundaries, path)
					return filepath.SkipDir
				}
			}
			return nil
		}
		if manifestExtensions[filepath.Ext(path)] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(files)
	sort.Strings(boundaries)
	return files, boundaries, nil
}

// boundaryApplications extracts the Application manifests that delimit a
// child scope. The directory's other documents belong to the child and are
// left for its own load; files that don't parse surface there too.
func boundaryApplications(dir, root string) ([]ChildApp, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", resource.ErrSourceUnreachable, err)
	}
	var out []ChildApp
	for _, e := range entries {
		if e.IsDir() || !manifestExtensions[filepath.Ext(e.Name())] {
			continue
		}
		path := filepath.Join(dir, e.Name())
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		docs, err := readDocuments(path)
		if err != nil {
			continue
		}
		for _, obj := range docs {
			if !app.IsApplication(obj) {
				continue
			}
			child, err := app.FromUnstructured(obj)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", rel, err)
			}
			out = append(out, ChildApp{App: child, SrcPath: rel})
		}
	}
	return out, nil
}

// containsApplicationManifest peeks at a directory's own manifest files for
// an Application document. Parse failures don't decide scope here; they
// surface later when the owning application loads the directory.
func containsApplicationManifest(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() || !manifestExtensions[filepath.Ext(e.Name())] {
			continue
		}
		docs, err := readDocuments(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		for _, obj := range docs {
			if app.IsApplication(obj) {
				return true, nil
			}
		}
	}
	return false, nil
}

// readDocuments parses a manifest file into its non-empty documents.
func readDocuments(path string) ([]*unstructured.Unstructured, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var docs []*unstructured.Unstructured
	for _, doc := range strings.Split(string(data), "\n---") {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		var content map[string]interface{}
		if err := yaml.Unmarshal([]byte(doc), &content); err != nil {
			return nil, err
		}
		if len(content) == 0 {
			continue
		}
		docs = append(docs, &unstructured.Unstructured{Object: content})
	}
	return docs, nil
}

func validateDocument(obj *unstructured.Unstructured) error {
	if obj.GetAPIVersion() == "" {
		return fmt.Errorf("document missing apiVersion")
	}
	if obj.GetKind() == "" {
		return fmt.Errorf("document missing kind")
	}
	if obj.GetName() == "" {
		return fmt.Errorf("%s document missing metadata.name", obj.GetKind())
	}
	return nil
}

// stampOwnership labels the object as managed by this controller and owned
// by the given application, and defaults the namespace for namespaced kinds.
func stampOwnership(obj *unstructured.Unstructured, owner, destNamespace string) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[resource.ManagedByLabel] = resource.ManagedByValue
	labels[resource.AppLabel] = owner
	obj.SetLabels(labels)
	if !resource.IsClusterScoped(obj.GetKind()) && obj.GetNamespace() == "" && destNamespace != "" {
		obj.SetNamespace(destNamespace)
	}
}
