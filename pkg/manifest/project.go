package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/model"
)

// ProjectFileName is the dbt project definition file
const ProjectFileName = "dbt_project.yml"

// Project is a dbt project found in the workspace
type Project struct {
	ID                  model.ProjectID
	Name                string
	TargetPath          string // Relative to the project root, default "target"
	PackagesInstallPath string // Relative to the project root, default "dbt_packages"
}

// Root returns the project root directory
func (p Project) Root() string {
	return string(p.ID)
}

// TargetDir returns the absolute directory holding build artifacts
func (p Project) TargetDir() string {
	if filepath.IsAbs(p.TargetPath) {
		return p.TargetPath
	}
	return filepath.Join(p.Root(), p.TargetPath)
}

// ManifestPath returns the absolute path of the project's manifest.json
func (p Project) ManifestPath() string {
	return filepath.Join(p.TargetDir(), "manifest.json")
}

type projectConfig struct {
	Name                string `yaml:"name"`
	TargetPath          string `yaml:"target-path"`
	PackagesInstallPath string `yaml:"packages-install-path"`
}

// ReadProject reads dbt_project.yml from root
func ReadProject(root string) (Project, error) {
	data, err := os.ReadFile(filepath.Join(root, ProjectFileName))
	if err != nil {
		return Project{}, fmt.Errorf("failed to read %s: %w", ProjectFileName, err)
	}

	var cfg projectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Project{}, fmt.Errorf("failed to parse %s in %s: %w", ProjectFileName, root, err)
	}

	project := Project{
		ID:                  model.NewProjectID(root),
		Name:                cfg.Name,
		TargetPath:          cfg.TargetPath,
		PackagesInstallPath: cfg.PackagesInstallPath,
	}
	if project.TargetPath == "" {
		project.TargetPath = "target"
	}
	if project.PackagesInstallPath == "" {
		project.PackagesInstallPath = "dbt_packages"
	}
	if project.Name == "" {
		project.Name = filepath.Base(project.Root())
	}
	return project, nil
}

// DiscoverProjects finds all dbt projects below workspace.
// Installed packages, build output and hidden directories are skipped.
func DiscoverProjects(workspace string) ([]Project, error) {
	var projects []Project

	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip entries we can't access
		}

		if d.IsDir() {
			name := d.Name()
			if path != workspace && (strings.HasPrefix(name, ".") || isArtifactDir(name)) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Name() != ProjectFileName {
			return nil
		}

		project, err := ReadProject(filepath.Dir(path))
		if err != nil {
			logging.Warn("skipping project", "path", path, "error", err)
			return nil
		}
		projects = append(projects, project)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}

	logging.Info("discovered projects", "count", len(projects), "workspace", workspace)
	return projects, nil
}

func isArtifactDir(name string) bool {
	switch name {
	case "target", "dbt_packages", "dbt_modules", "logs", "node_modules":
		return true
	}
	return false
}
