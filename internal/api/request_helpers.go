package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/ICIJ/datashare-sub004/internal/task"
)

// parseTaskFilter reads the name, user and state query parameters. State may
// be repeated or comma separated.
func parseTaskFilter(r *http.Request) (store.TaskFilter, error) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Name: q.Get("name"),
		User: q.Get("user"),
	}
	for _, value := range q["state"] {
		for _, raw := range strings.Split(value, ",") {
			s := task.State(strings.ToUpper(strings.TrimSpace(raw)))
			if s == "" {
				continue
			}
			if !s.IsValid() {
				return store.TaskFilter{}, fmt.Errorf("%w: %q", ErrInvalidState, raw)
			}
			filter.States = append(filter.States, s)
		}
	}
	return filter, nil
}

// boolQuery reads a boolean query parameter, def when absent or malformed.
func boolQuery(r *http.Request, key string, def bool) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}
