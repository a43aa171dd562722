// Package usermap resolves GitHub logins to Asana user IDs using a shared
// YAML mapping file.
package usermap

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Defaults for the repository holding the mapping file.
const (
	DefaultOwner = "duckduckgo"
	DefaultRepo  = "internal-github-asana-utils"
	FileName     = "user_map.yml"
)

// Map maps GitHub logins to Asana user GIDs.
type Map map[string]string

// Parse decodes the YAML mapping file.
func Parse(data []byte) (Map, error) {
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing user map: %w", err)
	}
	if m == nil {
		m = Map{}
	}
	return m, nil
}

// AsanaUserID returns the Asana user GID for a GitHub login, or an error
// when the login has no mapping.
func (m Map) AsanaUserID(login string) (string, error) {
	id, ok := m[login]
	if !ok {
		return "", fmt.Errorf("user %s not found", login)
	}
	return id, nil
}
