package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"crewplan/internal/logging"
	"crewplan/internal/project"
)

// Counter summarises each package's items into one volume figure.
type Counter struct {
	base
}

type counterPackage struct {
	PackageID string     `json:"package_id"`
	Name      string     `json:"name"`
	Items     []itemView `json:"items"`
}

type counterInput struct {
	ProjectID string
	Batch     int
	Batches   int
	Packages  []counterPackage
}

type counterOutput struct {
	Volumes []struct {
		PackageID string `json:"package_id"`
		Quantity  any    `json:"quantity"`
		Unit      string `json:"unit"`
		Notes     string `json:"notes"`
	} `json:"volumes"`
}

// Run implements Handler.
func (c *Counter) Run(ctx context.Context, doc *project.Document) Result {
	if len(doc.WorkPackages) == 0 {
		return failed(fmt.Errorf("%w: no work packages to count", ErrPrecondition))
	}
	if n := len(doc.UnassignedItems()); n > 0 {
		return failed(fmt.Errorf("%w: %d work item(s) not assigned to a package", ErrPrecondition, n))
	}

	byPkg := doc.ItemsByPackage()
	views := make([]counterPackage, len(doc.WorkPackages))
	for i, p := range doc.WorkPackages {
		views[i] = counterPackage{PackageID: p.PackageID, Name: p.Name, Items: viewItems(byPkg[p.PackageID])}
	}

	batches := chunk(views, c.opts.BatchSize)
	var (
		mu      sync.Mutex
		volumes = make(map[string]project.VolumeData, len(views))
		derived int
	)

	err := fanOut(ctx, batches, c.opts.MaxParallelBatches, func(ctx context.Context, i int, batch []counterPackage) error {
		batchNo := i + 1
		if len(batches) == 1 {
			batchNo = 0
		}
		var out counterOutput
		in := counterInput{ProjectID: doc.ProjectID, Batch: i + 1, Batches: len(batches), Packages: batch}
		if _, err := c.call(ctx, doc.ProjectID, batchNo, in, &out); err != nil {
			return fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
		}

		inBatch := make(map[string]bool, len(batch))
		for _, p := range batch {
			inBatch[p.PackageID] = true
		}
		got := make(map[string]project.VolumeData, len(batch))
		for _, v := range out.Volumes {
			id := strings.TrimSpace(v.PackageID)
			if !inBatch[id] {
				logging.StagesWarn("%s: ignoring volume for package %q outside the batch", c.stage, id)
				continue
			}
			qty, ok := quantity(v.Quantity)
			if !ok || qty < 0 {
				logging.StagesWarn("%s: package %s has unusable quantity %v", c.stage, id, v.Quantity)
				continue
			}
			got[id] = project.VolumeData{Quantity: qty, Unit: strings.TrimSpace(v.Unit), Notes: strings.TrimSpace(v.Notes)}
		}

		missing := 0
		for _, p := range batch {
			if _, ok := got[p.PackageID]; ok {
				continue
			}
			got[p.PackageID] = derivedVolume(byPkg[p.PackageID])
			logging.StagesWarn("%s: no volume for package %s, derived from its items", c.stage, p.PackageID)
			missing++
		}

		mu.Lock()
		for id, v := range got {
			volumes[id] = v
		}
		derived += missing
		mu.Unlock()
		return nil
	})
	if err != nil {
		return failed(err)
	}

	logging.Stages("%s: volumes for %d packages (%d derived)", c.stage, len(volumes), derived)
	return succeeded(func(doc *project.Document) {
		for i := range doc.WorkPackages {
			if v, ok := volumes[doc.WorkPackages[i].PackageID]; ok {
				doc.WorkPackages[i].VolumeData = &v
			}
		}
		setResult(doc, c.stage, map[string]any{
			"packages": len(volumes),
			"derived":  derived,
			"batches":  len(batches),
		})
	})
}

// quantity accepts numbers and numeric strings, optionally with a unit
// suffix after whitespace ("120 m3").
func quantity(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		fields := strings.Fields(strings.ReplaceAll(n, ",", ""))
		if len(fields) == 0 {
			return 0, false
		}
		f, err := strconv.ParseFloat(fields[0], 64)
		return f, err == nil
	}
	return 0, false
}

// derivedVolume picks the unit used by most items (ties: larger quantity
// sum, then lexical order) and sums the quantities in that unit.
func derivedVolume(items []project.WorkItem) project.VolumeData {
	if len(items) == 0 {
		return project.VolumeData{Notes: "no work items"}
	}
	type agg struct {
		count int
		sum   float64
	}
	byUnit := map[string]*agg{}
	for _, it := range items {
		u := strings.TrimSpace(it.Unit)
		a := byUnit[u]
		if a == nil {
			a = &agg{}
			byUnit[u] = a
		}
		a.count++
		a.sum += it.Quantity
	}
	units := make([]string, 0, len(byUnit))
	for u := range byUnit {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool {
		a, b := byUnit[units[i]], byUnit[units[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		if a.sum != b.sum {
			return a.sum > b.sum
		}
		return units[i] < units[j]
	})
	unit := units[0]
	notes := fmt.Sprintf("derived from %d item(s)", byUnit[unit].count)
	if len(units) > 1 {
		notes += fmt.Sprintf("; %d item(s) in other units excluded", len(items)-byUnit[unit].count)
	}
	return project.VolumeData{Quantity: byUnit[unit].sum, Unit: unit, Notes: notes}
}
