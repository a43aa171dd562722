package taskref

import (
	"context"
	"regexp"

	"github.com/chainguard-dev/clog"
)

// TaskReference identifies an Asana task within a project, extracted from
// free text such as a pull-request body.
type TaskReference struct {
	ProjectID string
	TaskID    string
}

// urlPattern matches both Asana task URL shapes seen in PR bodies:
//
//	https://app.asana.com/0/<project>/<task>
//	https://app.asana.com/0/project/<project>/task/<task>/f
const urlPattern = `https://app\.asana\.com/(\d+)/(?:[A-Za-z]+/)?(?P<project>\d+)(?:/task)?/(?P<task>\d+)`

// FindTaskReferences scans body for Asana task URLs preceded by triggerPhrase
// and returns them in order of appearance. An empty triggerPhrase matches bare
// URLs anywhere in the body. When projectFilter is non-empty, references to
// other projects are skipped with a diagnostic. Duplicate matches yield
// duplicate references; callers dedupe if they need to.
func FindTaskReferences(ctx context.Context, body, triggerPhrase, projectFilter string) []TaskReference {
	log := clog.FromContext(ctx)
	if body == "" {
		return nil
	}

	pattern := urlPattern
	if triggerPhrase != "" {
		pattern = regexp.QuoteMeta(triggerPhrase) + `\s+` + urlPattern
	}
	re := regexp.MustCompile(pattern)

	var refs []TaskReference
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		project := m[re.SubexpIndex("project")]
		task := m[re.SubexpIndex("task")]
		if task == "" {
			log.Errorf("invalid Asana task URL after trigger phrase %q", triggerPhrase)
			continue
		}
		if projectFilter != "" && project != projectFilter {
			log.Infof("skipping task %s: not in project %s", task, projectFilter)
			continue
		}
		refs = append(refs, TaskReference{ProjectID: project, TaskID: task})
	}
	log.Infof("found %d task reference(s) in body", len(refs))
	return refs
}

// TaskIDs returns just the task ids of refs, preserving order.
func TaskIDs(refs []TaskReference) []string {
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.TaskID
	}
	return ids
}
