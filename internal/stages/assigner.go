package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"crewplan/internal/logging"
	"crewplan/internal/project"
)

// Assigner maps every unassigned work item to exactly one package.
type Assigner struct {
	base
}

type packageView struct {
	PackageID   string `json:"package_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type assignerInput struct {
	ProjectID string
	Batch     int
	Batches   int
	Packages  []packageView
	Items     []itemView
}

type assignerOutput struct {
	Assignments []struct {
		WorkID    string `json:"work_id"`
		PackageID string `json:"package_id"`
	} `json:"assignments"`
}

// Run implements Handler.
func (a *Assigner) Run(ctx context.Context, doc *project.Document) Result {
	if len(doc.WorkPackages) == 0 {
		return failed(fmt.Errorf("%w: no work packages to assign to", ErrPrecondition))
	}

	pending := doc.UnassignedItems()
	if len(pending) == 0 {
		logging.Stages("%s: every item already assigned", a.stage)
		return succeeded(func(doc *project.Document) {
			setResult(doc, a.stage, map[string]any{"assigned": 0, "batches": 0})
		})
	}

	known := make(map[string]bool, len(doc.WorkPackages))
	views := make([]packageView, len(doc.WorkPackages))
	for i, p := range doc.WorkPackages {
		known[p.PackageID] = true
		views[i] = packageView{PackageID: p.PackageID, Name: p.Name, Description: p.Description}
	}

	batches := chunk(pending, a.opts.BatchSize)
	var (
		mu       sync.Mutex
		assigned = make(map[string]string, len(pending))
	)

	err := fanOut(ctx, batches, a.opts.MaxParallelBatches, func(ctx context.Context, i int, batch []project.WorkItem) error {
		batchNo := i + 1
		if len(batches) == 1 {
			batchNo = 0
		}
		var out assignerOutput
		in := assignerInput{
			ProjectID: doc.ProjectID,
			Batch:     i + 1,
			Batches:   len(batches),
			Packages:  views,
			Items:     viewItems(batch),
		}
		if _, err := a.call(ctx, doc.ProjectID, batchNo, in, &out); err != nil {
			return fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
		}

		got, err := checkAssignments(batch, out, known)
		if err != nil {
			return fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
		}
		mu.Lock()
		for id, pkg := range got {
			assigned[id] = pkg
		}
		mu.Unlock()
		logging.StagesDebug("%s: batch %d/%d assigned %d items", a.stage, i+1, len(batches), len(got))
		return nil
	})
	if err != nil {
		return failed(err)
	}

	logging.Stages("%s: assigned %d items in %d batches", a.stage, len(assigned), len(batches))
	return succeeded(func(doc *project.Document) {
		for i := range doc.WorkItems {
			if pkg, ok := assigned[doc.WorkItems[i].ID]; ok {
				doc.WorkItems[i].PackageID = pkg
			}
		}
		setResult(doc, a.stage, map[string]any{"assigned": len(assigned), "batches": len(batches)})
	})
}

// checkAssignments enforces: every batch item assigned, only known packages,
// no item assigned to two different packages. Ids outside the batch are
// ignored. Missing assignments are never defaulted.
func checkAssignments(batch []project.WorkItem, out assignerOutput, known map[string]bool) (map[string]string, error) {
	inBatch := make(map[string]bool, len(batch))
	for _, it := range batch {
		inBatch[it.ID] = true
	}

	got := make(map[string]string, len(batch))
	for _, as := range out.Assignments {
		id, pkg := strings.TrimSpace(as.WorkID), strings.TrimSpace(as.PackageID)
		if !inBatch[id] {
			logging.StagesWarn("ignoring assignment for work item %q outside the batch", id)
			continue
		}
		if !known[pkg] {
			return nil, fmt.Errorf("%w: %q (work item %q)", ErrUnknownPackage, pkg, id)
		}
		if prev, ok := got[id]; ok && prev != pkg {
			return nil, fmt.Errorf("%w: %q -> %q and %q", ErrConflictingAssignment, id, prev, pkg)
		}
		got[id] = pkg
	}

	var missing []string
	for _, it := range batch {
		if _, ok := got[it.ID]; !ok {
			missing = append(missing, it.ID)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %d item(s): %s", ErrMissingAssignment, len(missing), strings.Join(missing, ", "))
	}
	return got, nil
}
