package stages

import (
	"context"
	"fmt"
	"strings"

	"crewplan/internal/logging"
	"crewplan/internal/project"
)

// Packager groups work items into packages.
type Packager struct {
	base
}

type packagerInput struct {
	ProjectID string
	Items     []itemView
}

type itemView struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Code     string  `json:"code,omitempty"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
}

func viewItems(items []project.WorkItem) []itemView {
	out := make([]itemView, len(items))
	for i, it := range items {
		out[i] = itemView{ID: it.ID, Name: it.Name, Code: it.Code, Quantity: it.Quantity, Unit: it.Unit}
	}
	return out
}

type packagerOutput struct {
	WorkPackages []struct {
		PackageID   string `json:"package_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"work_packages"`
}

// Run implements Handler.
func (p *Packager) Run(ctx context.Context, doc *project.Document) Result {
	if len(doc.WorkItems) == 0 {
		return failed(fmt.Errorf("%w: project has no work items", ErrPrecondition))
	}

	var out packagerOutput
	in := packagerInput{ProjectID: doc.ProjectID, Items: viewItems(doc.WorkItems)}
	if _, err := p.call(ctx, doc.ProjectID, 0, in, &out); err != nil {
		return failed(err)
	}

	if len(out.WorkPackages) == 0 {
		return failed(fmt.Errorf("%w: no work packages returned", ErrInvalidOutput))
	}
	pkgs := make([]project.WorkPackage, 0, len(out.WorkPackages))
	seen := make(map[string]bool, len(out.WorkPackages))
	for _, wp := range out.WorkPackages {
		id := strings.TrimSpace(wp.PackageID)
		if id == "" {
			return failed(fmt.Errorf("%w: package with empty package_id", ErrInvalidOutput))
		}
		if seen[id] {
			return failed(fmt.Errorf("%w: duplicate package_id %q", ErrInvalidOutput, id))
		}
		seen[id] = true
		name := strings.TrimSpace(wp.Name)
		if name == "" {
			name = id
		}
		pkgs = append(pkgs, project.WorkPackage{PackageID: id, Name: name, Description: strings.TrimSpace(wp.Description)})
	}

	logging.Stages("%s: %d packages for %d items", p.stage, len(pkgs), len(doc.WorkItems))
	return succeeded(func(doc *project.Document) {
		doc.WorkPackages = pkgs
		// Old assignments point at packages that no longer exist.
		for i := range doc.WorkItems {
			doc.WorkItems[i].PackageID = ""
		}
		setResult(doc, p.stage, map[string]any{"packages": len(pkgs)})
	})
}
