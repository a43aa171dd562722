package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
)

// requireInput fetches an input and fails when it's missing.
func requireInput(rt Runtime, name string) (string, error) {
	v := rt.GetInput(name)
	if v == "" {
		return "", fmt.Errorf("input %s is required", name)
	}
	return v, nil
}

// csvInput splits a comma-separated input into trimmed, non-empty items.
func csvInput(rt Runtime, name string) []string {
	raw := rt.GetInput(name)
	if raw == "" {
		return nil
	}
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(part); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// boolInput reads a boolean input; anything but "true" is false.
func boolInput(rt Runtime, name string) bool {
	return rt.GetInput(name) == "true"
}

// customFieldsInput decodes the JSON custom-fields input. Unparseable JSON
// is logged and the custom fields are omitted; the operation proceeds
// without them.
func customFieldsInput(ctx context.Context, rt Runtime, name string) map[string]any {
	raw := rt.GetInput(name)
	if raw == "" {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		clog.FromContext(ctx).WarnContextf(ctx, "parsing input %s: %v; omitting custom fields", name, err)
		return nil
	}
	return fields
}
