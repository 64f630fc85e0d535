package statepatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// statePages maps known top-level state keys to the platform page that
// renders them. Keys absent here produce no return URL.
var statePages = map[string]string{
	"smc_simulation_config":     "simulate/single-cell/edit",
	"synaptome_config":          "build/synaptome/edit",
	"circuit_simulation_config": "simulate/circuit/edit",
}

// InferReturnURL picks the deep link a client should follow after the state
// change. The first changed key with a known page wins. No URL is returned
// when the caller is already on that page for the same entity; the same page
// kind open on a different entity still gets a link.
func InferReturnURL(state json.RawMessage, changed []string, currentURL, baseURL, vlabID, projectID string) string {
	baseURL = strings.TrimSuffix(baseURL, "/")

	for _, key := range changed {
		page, ok := statePages[key]
		if !ok {
			continue
		}

		url := fmt.Sprintf("%s/virtual-lab/%s/project/%s/%s", baseURL, vlabID, projectID, page)
		id := entityID(state, key)
		if id != "" {
			url += "/" + id
		}
		if onPage(currentURL, page, id) {
			return ""
		}
		return url
	}
	return ""
}

// entityID extracts the "id" field of the state section under key, when the
// section carries one.
func entityID(state json.RawMessage, key string) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(state, &doc); err != nil {
		return ""
	}
	section, ok := doc[key]
	if !ok {
		return ""
	}
	var entity struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(section, &entity); err != nil {
		return ""
	}
	return entity.ID
}

// onPage reports whether currentURL already shows the given page for the
// given entity.
func onPage(currentURL, page, entityID string) bool {
	if currentURL == "" || !strings.Contains(currentURL, page) {
		return false
	}
	if entityID == "" {
		return true
	}
	return strings.Contains(currentURL, entityID)
}
